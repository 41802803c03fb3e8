package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

// StreamSSE wraps Stream to format each record as an SSE frame and
// additionally stop on the first terminal event type, even if more records
// follow it in the buffer.
func (b *Bus) StreamSSE(ctx context.Context, runID string, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return b.Stream(ctx, runID, 0, func(eventType string, payload map[string]any) bool {
		frame := map[string]any{"type": eventType}
		for k, v := range payload {
			frame[k] = v
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return false
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
		flusher.Flush()
		return nightshift.IsTerminal(eventType)
	})
}
