package vm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

// guestClient talks HTTP to the in-guest agent over the TAP network,
// matching the wire protocol in spec.md §6 (health/run/events), not the
// vsock+gRPC transport the teacher uses for its own agent — the guest
// protocol here is plain HTTP+SSE.
type guestClient struct {
	baseURL    string
	httpClient *http.Client
}

func newGuestClient(guestIP string, port int) *guestClient {
	return &guestClient{
		baseURL:    fmt.Sprintf("http://%s:%d", guestIP, port),
		httpClient: &http.Client{},
	}
}

// health performs GET /health with the given timeout. Connection refusals
// and timeouts both count as "not ready".
func (g *guestClient) health(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// submitRun POSTs /run with {prompt, run_id, env}.
func (g *guestClient) submitRun(ctx context.Context, runID, prompt string, env map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"prompt": prompt,
		"run_id": runID,
		"env":    env,
	})
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("guest reports busy for run %s", runID)
	case http.StatusBadRequest:
		return fmt.Errorf("guest rejected run %s: missing prompt", runID)
	default:
		return fmt.Errorf("guest returned unexpected status %d for run %s", resp.StatusCode, runID)
	}
}

// waitForEvents opens GET /events as an SSE stream with no client-side
// timeout and calls publish for each frame, returning when a terminal event
// is observed or the connection ends.
func (g *guestClient) waitForEvents(ctx context.Context, runID string, publish nightshift.EventPublisher) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	noTimeoutClient := &http.Client{Timeout: 0}
	resp, err := noTimeoutClient.Do(req)
	if err != nil {
		return fmt.Errorf("open events stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guest events stream returned %d", resp.StatusCode)
	}

	sawTerminal := false
	err = scanSSE(resp.Body, func(eventName, data string) bool {
		if data == "" {
			return false
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return false
		}
		eventType := eventName
		if t, ok := payload["type"].(string); ok && t != "" {
			eventType = t
		}
		publish(eventType, payload)
		if nightshift.IsTerminal(eventType) {
			sawTerminal = true
			return true
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("read events stream: %w", err)
	}

	if !sawTerminal {
		return fmt.Errorf("guest events stream for run %s closed before a terminal event", runID)
	}
	return nil
}

// scanSSE parses a minimal server-sent-events stream, invoking onFrame for
// each dispatched frame (blank line delimiter). onFrame returns true to stop
// reading further frames.
func scanSSE(body interface{ Read([]byte) (int, error) }, onFrame func(eventName, data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(dataLines) == 0 && eventName == "" {
				continue
			}
			data := strings.Join(dataLines, "\n")
			name := eventName
			eventName, dataLines = "", nil
			if onFrame(name, data) {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if len(dataLines) > 0 || eventName != "" {
		onFrame(eventName, strings.Join(dataLines, "\n"))
	}
	return scanner.Err()
}
