package vm

import (
	"context"
	"testing"

	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

var _ nightshift.Handle = (*FakeHandle)(nil)

func TestFakeHandleEmitsScriptUntilTerminal(t *testing.T) {
	fake := NewFake("vm-1", []ScriptedEvent{
		{Type: nightshift.EventStarted, Payload: map[string]any{"workspace": "/workspace"}},
		{Type: "log", Payload: map[string]any{"line": "hi"}},
		{Type: nightshift.EventCompleted, Payload: map[string]any{}},
	})

	var got []string
	err := fake.WaitForCompletion(context.Background(), "run-1", func(eventType string, payload map[string]any) {
		got = append(got, eventType)
	})
	if err != nil {
		t.Fatalf("WaitForCompletion() error: %v", err)
	}
	want := []string{nightshift.EventStarted, "log", nightshift.EventCompleted}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFakeHandleUnhealthyFailsSubmit(t *testing.T) {
	fake := NewFake("vm-2", nil)
	fake.SetHealthy(false)

	if err := fake.SubmitRun(context.Background(), "run-1", "do it", nil); err == nil {
		t.Fatal("expected SubmitRun to fail when unhealthy")
	}
}

func TestFakeHandleDestroyMarksDestroyed(t *testing.T) {
	fake := NewFake("vm-3", nil)
	if fake.Destroyed() {
		t.Fatal("expected not destroyed initially")
	}
	if err := fake.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if !fake.Destroyed() {
		t.Fatal("expected destroyed after Destroy()")
	}
}
