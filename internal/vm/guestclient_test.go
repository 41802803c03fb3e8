package vm

import (
	"strings"
	"testing"
)

func TestScanSSEDispatchesFramesInOrder(t *testing.T) {
	stream := "event: nightshift.started\ndata: {\"workspace\":\"/workspace\"}\n\n" +
		"data: {\"type\":\"log\",\"line\":\"hi\"}\n\n" +
		"event: nightshift.completed\ndata: {}\n\n"

	var got []string
	err := scanSSE(strings.NewReader(stream), func(eventName, data string) bool {
		got = append(got, eventName+"|"+data)
		return false
	})
	if err != nil {
		t.Fatalf("scanSSE() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(got), got)
	}
	if got[0] != `nightshift.started|{"workspace":"/workspace"}` {
		t.Fatalf("unexpected frame 0: %q", got[0])
	}
	if got[2] != `nightshift.completed|{}` {
		t.Fatalf("unexpected frame 2: %q", got[2])
	}
}

func TestScanSSEStopsEarlyWhenRequested(t *testing.T) {
	stream := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\n"

	count := 0
	err := scanSSE(strings.NewReader(stream), func(_ string, _ string) bool {
		count++
		return count == 2
	})
	if err != nil {
		t.Fatalf("scanSSE() error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected scanSSE to stop after 2 frames, got %d", count)
	}
}
