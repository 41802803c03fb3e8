// Package eventbus implements the process-wide Event Buffer: a map from
// run_id to an ordered log of events, a done-set, and a single condition
// variable serializing every mutation and wakeup.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nightshiftvm/nightshift/internal/metrics"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

type runLog struct {
	records []nightshift.EventRecord
	done    bool
}

// Bus is the Event Buffer. The zero value is not usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	cond *sync.Cond
	runs map[string]*runLog
}

// New returns an empty Bus.
func New() *Bus {
	b := &Bus{runs: make(map[string]*runLog)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append pushes a record for run_id and wakes every waiter. Never blocks.
func (b *Bus) Append(runID, eventType string, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rl := b.runLogLocked(runID)
	rl.records = append(rl.records, nightshift.EventRecord{Type: eventType, Payload: payload})
	b.cond.Broadcast()
	metrics.EventBufferSize.WithLabelValues(runID).Set(float64(len(rl.records)))
}

// PublishTyped is a convenience wrapper for core-emitted events: it stamps
// the run ID and forwards to Append in the same on-wire shape guest events
// use.
func (b *Bus) PublishTyped(runID, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	b.Append(runID, eventType, payload)
}

func (b *Bus) runLogLocked(runID string) *runLog {
	rl, ok := b.runs[runID]
	if !ok {
		rl = &runLog{}
		b.runs[runID] = rl
	}
	return rl
}

// MarkDone adds run_id to the done set and wakes every waiter. Records
// remain available to readers already holding cursors and to late joiners
// until Reap. A no-op for an unknown run.
func (b *Bus) MarkDone(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rl, ok := b.runs[runID]
	if !ok {
		return
	}
	rl.done = true
	b.cond.Broadcast()
}

// Reap frees the records for run_id and removes it from the done set.
// Calling Reap before MarkDone is a programming error in the caller; per
// spec.md §4.4 this is forbidden, so it panics rather than silently
// corrupting stream state for in-flight readers.
func (b *Bus) Reap(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rl, ok := b.runs[runID]
	if !ok {
		return
	}
	if !rl.done {
		panic(fmt.Sprintf("eventbus: Reap(%q) called before MarkDone", runID))
	}
	delete(b.runs, runID)
	metrics.EventBufferSize.DeleteLabelValues(runID)
}

// Stream yields (type, payload) pairs for run_id starting at cursor, blocking
// on the condition variable between batches, until the run is marked done
// and the tail has been exhausted, ctx is cancelled, or yield returns true
// (stop). A stop request still waits for mark_done before returning nil, so
// a caller that chains Stream into Reap never observes reap-before-mark_done:
// by the time yield sees a terminal event the orchestrator is moments from
// calling mark_done, so this wait is brief.
func (b *Bus) Stream(ctx context.Context, runID string, cursor int, yield func(eventType string, payload map[string]any) bool) error {
	stopped := false
	for {
		b.mu.Lock()
		rl := b.runLogLocked(runID)

		if !stopped {
			for cursor < len(rl.records) {
				rec := rl.records[cursor]
				cursor++
				b.mu.Unlock()
				if yield(rec.Type, rec.Payload) {
					stopped = true
				}
				b.mu.Lock()
				if stopped {
					break
				}
			}
		}

		if rl.done {
			b.mu.Unlock()
			return nil
		}

		if err := ctx.Err(); err != nil {
			b.mu.Unlock()
			return err
		}

		stopWaiting := b.waitLocked(ctx)
		b.mu.Unlock()
		if stopWaiting != nil {
			return stopWaiting
		}
	}
}

// waitLocked blocks on the condition variable, translating ctx cancellation
// into a Broadcast the way the oriys-nova pool's waitForVMLocked does, since
// sync.Cond has no native context awareness.
func (b *Bus) waitLocked(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()
	b.cond.Wait()
	close(done)
	return ctx.Err()
}
