package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

func TestAppendThenStreamYieldsFromZero(t *testing.T) {
	b := New()
	b.Append("r1", "foo", map[string]any{"x": 1})
	b.MarkDone("r1")

	var got []string
	err := b.Stream(context.Background(), "r1", 0, func(eventType string, payload map[string]any) bool {
		got = append(got, eventType)
		return false
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if len(got) != 1 || got[0] != "foo" {
		t.Fatalf("expected [foo], got %v", got)
	}
}

func TestStreamBlocksThenReceivesLiveAppend(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Append("r2", nightshift.EventStarted, map[string]any{})
		b.MarkDone("r2")
	}()

	var got []string
	err := b.Stream(ctx, "r2", 0, func(eventType string, payload map[string]any) bool {
		got = append(got, eventType)
		return false
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if len(got) != 1 || got[0] != nightshift.EventStarted {
		t.Fatalf("expected [%s], got %v", nightshift.EventStarted, got)
	}
}

func TestStreamStopsOnTerminalWhenRequestedByYield(t *testing.T) {
	b := New()
	b.Append("r3", nightshift.EventStarted, map[string]any{})
	b.Append("r3", nightshift.EventCompleted, map[string]any{})
	b.Append("r3", "should-not-be-seen", map[string]any{})
	b.MarkDone("r3")

	var got []string
	err := b.Stream(context.Background(), "r3", 0, func(eventType string, payload map[string]any) bool {
		got = append(got, eventType)
		return nightshift.IsTerminal(eventType)
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected stream to stop after terminal event, got %v", got)
	}
}

func TestStreamWaitsForMarkDoneAfterTerminalBeforeReturning(t *testing.T) {
	b := New()
	b.Append("r3b", nightshift.EventCompleted, map[string]any{})
	// MarkDone is delayed past the terminal event, simulating the gap
	// between the guest forwarding its terminal event and the orchestrator
	// calling mark_done a moment later.
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.MarkDone("r3b")
	}()

	err := b.Stream(context.Background(), "r3b", 0, func(eventType string, payload map[string]any) bool {
		return nightshift.IsTerminal(eventType)
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	// Reaping here must not panic: Stream only returned because mark_done
	// had already landed, not merely because a terminal event was seen.
	b.Reap("r3b")
}

func TestMarkDoneOnUnknownRunIsNoop(t *testing.T) {
	b := New()
	b.MarkDone("nope") // must not panic
}

func TestReapBeforeMarkDonePanics(t *testing.T) {
	b := New()
	b.Append("r4", "x", map[string]any{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected Reap before MarkDone to panic")
		}
	}()
	b.Reap("r4")
}

func TestReapThenFreshAppendStartsIndependentStream(t *testing.T) {
	b := New()
	b.Append("r5", "first-epoch", map[string]any{})
	b.MarkDone("r5")
	b.Reap("r5")

	b.Append("r5", "second-epoch", map[string]any{})
	b.MarkDone("r5")

	var got []string
	err := b.Stream(context.Background(), "r5", 0, func(eventType string, payload map[string]any) bool {
		got = append(got, eventType)
		return false
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if len(got) != 1 || got[0] != "second-epoch" {
		t.Fatalf("expected only [second-epoch], got %v", got)
	}
}
