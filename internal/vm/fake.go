package vm

import (
	"context"
	"sync"

	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

// ScriptedEvent is one event a FakeHandle will emit from WaitForCompletion.
type ScriptedEvent struct {
	Type    string
	Payload map[string]any
}

// FakeHandle is an in-memory nightshift.Handle double for tests (spec.md
// §9: "tests substitute an in-memory fake that emits a scripted event
// sequence"). It never spawns a process or touches the network.
type FakeHandle struct {
	id     string
	script []ScriptedEvent

	mu        sync.Mutex
	state     nightshift.VmState
	healthy   bool
	destroyed bool
	runs      []string
}

// NewFake returns a healthy FakeHandle that will emit script when asked to
// wait for completion.
func NewFake(id string, script []ScriptedEvent) *FakeHandle {
	return &FakeHandle{
		id:      id,
		script:  script,
		state:   nightshift.StateHealthy,
		healthy: true,
	}
}

func (f *FakeHandle) ID() string { return f.id }

func (f *FakeHandle) State() nightshift.VmState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetHealthy lets a test simulate a crashed guest.
func (f *FakeHandle) SetHealthy(healthy bool) {
	f.mu.Lock()
	f.healthy = healthy
	f.mu.Unlock()
}

func (f *FakeHandle) IsHealthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *FakeHandle) SubmitRun(ctx context.Context, runID, prompt string, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errUnhealthy(f.id)
	}
	f.runs = append(f.runs, runID)
	return nil
}

func (f *FakeHandle) WaitForCompletion(ctx context.Context, runID string, publish nightshift.EventPublisher) error {
	f.mu.Lock()
	healthy := f.healthy
	script := f.script
	f.mu.Unlock()

	if !healthy {
		return errUnhealthy(f.id)
	}

	sawTerminal := false
	for _, ev := range script {
		publish(ev.Type, ev.Payload)
		if nightshift.IsTerminal(ev.Type) {
			sawTerminal = true
			break
		}
	}
	if !sawTerminal {
		return errNoTerminalEvent(runID)
	}
	return nil
}

func (f *FakeHandle) Drain(ctx context.Context, extractWorkspace bool) error {
	f.mu.Lock()
	f.state = nightshift.StateDraining
	f.mu.Unlock()
	return nil
}

func (f *FakeHandle) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroyed = true
	f.state = nightshift.StateDestroyed
	f.mu.Unlock()
	return nil
}

// Destroyed reports whether Destroy has been called, for test assertions.
func (f *FakeHandle) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Runs returns the run IDs submitted to this fake, for test assertions.
func (f *FakeHandle) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.runs))
	copy(out, f.runs)
	return out
}

type unhealthyError string

func (e unhealthyError) Error() string { return "fake vm " + string(e) + " is unhealthy" }

func errUnhealthy(id string) error { return unhealthyError(id) }

type noTerminalEventError string

func (e noTerminalEventError) Error() string {
	return "run " + string(e) + " ended without a terminal event"
}

func errNoTerminalEvent(runID string) error { return noTerminalEventError(runID) }
