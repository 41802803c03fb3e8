// Package orchestrator wires a single run through pool acquisition, guest
// submission, event forwarding, warm-failure retry, and cleanup. Grounded on
// the construct-or-unwind discipline of the teacher's firecracker manager's
// Create, generalized into a pool-aware retry loop.
package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/nightshiftvm/nightshift/internal/eventbus"
	"github.com/nightshiftvm/nightshift/internal/metrics"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
	"github.com/nightshiftvm/nightshift/internal/vmpool"
)

// maxAttempts is fixed at two: one original attempt plus exactly one retry
// on warm-VM failure. Unbounded retry would mask real bugs and amplify bad
// requests against a broken agent.
const maxAttempts = 2

// OnRunComplete is the registry completion callback (spec.md §6.1): called
// exactly once per run after Execute/ExecuteUnpooled decides the outcome,
// with errMsg nil on success or pointing at the failure message otherwise.
// A nil OnRunComplete is a valid no-op, for callers with no registry to notify.
type OnRunComplete func(ctx context.Context, runID string, errMsg *string) error

// Orchestrator wires a Pool and an Event Buffer into the run-execution
// algorithm.
type Orchestrator struct {
	pool *vmpool.Pool
	bus  *eventbus.Bus
}

// New returns an Orchestrator over the given pool and bus.
func New(pool *vmpool.Pool, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{pool: pool, bus: bus}
}

func notifyComplete(ctx context.Context, onComplete OnRunComplete, runID string, errMsg *string) {
	if onComplete == nil {
		return
	}
	if err := onComplete(ctx, runID, errMsg); err != nil {
		log.Printf("orchestrator: onComplete callback for run %s failed: %v", runID, err)
	}
}

// Execute runs req against descriptor's pool, retrying exactly once on any
// warm-VM failure. Guest-forwarded terminal events are authoritative: a
// synthetic nightshift.error event is only published if every attempt
// failed without the guest itself reporting a terminal outcome.
// event_buffer.mark_done and onComplete are each called exactly once, on
// every exit path.
func (o *Orchestrator) Execute(ctx context.Context, req nightshift.RunRequest, descriptor nightshift.AgentDescriptor, onComplete OnRunComplete) error {
	var lastErr error
	done := false
	finish := func(errMsg *string) {
		if done {
			return
		}
		done = true
		o.bus.MarkDone(req.RunID)
		notifyComplete(ctx, onComplete, req.RunID, errMsg)
	}
	defer func() {
		msg := "execute returned without completing"
		finish(&msg)
	}()

	publish := func(eventType string, payload map[string]any) {
		o.bus.Append(req.RunID, eventType, payload)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		handle, err := o.pool.Checkout(ctx, descriptor)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				metrics.RunRetriesTotal.WithLabelValues(descriptor.AgentID).Inc()
			}
			continue
		}

		if err := runOnce(ctx, handle, req, publish); err != nil {
			o.pool.InvalidateVM(ctx, descriptor.AgentID, handle)
			lastErr = err
			if attempt < maxAttempts {
				metrics.RunRetriesTotal.WithLabelValues(descriptor.AgentID).Inc()
			}
			continue
		}

		o.pool.Checkin(descriptor.AgentID, handle)
		finish(nil)
		metrics.RunsTotal.WithLabelValues(descriptor.AgentID, "completed").Inc()
		return nil
	}

	errMsg := lastErr.Error()
	o.bus.Append(req.RunID, nightshift.EventError, map[string]any{
		"message": errMsg,
	})
	finish(&errMsg)
	metrics.RunsTotal.WithLabelValues(descriptor.AgentID, "error").Inc()
	return fmt.Errorf("run %s exhausted retries: %w", req.RunID, lastErr)
}

// ExecuteUnpooled is the legacy path used when the pool is disabled: it
// provisions a private VM per run via factory and destroys it unconditionally
// afterwards, with no retry.
func (o *Orchestrator) ExecuteUnpooled(ctx context.Context, req nightshift.RunRequest, descriptor nightshift.AgentDescriptor, factory vmpool.Factory, onComplete OnRunComplete) error {
	publish := func(eventType string, payload map[string]any) {
		o.bus.Append(req.RunID, eventType, payload)
	}

	handle, _, err := factory(ctx, req.RunID, descriptor)
	if err != nil {
		msg := err.Error()
		o.bus.Append(req.RunID, nightshift.EventError, map[string]any{"message": msg})
		o.bus.MarkDone(req.RunID)
		notifyComplete(ctx, onComplete, req.RunID, &msg)
		metrics.RunsTotal.WithLabelValues(descriptor.AgentID, "error").Inc()
		return fmt.Errorf("unpooled provision for run %s: %w", req.RunID, err)
	}
	defer handle.Destroy(ctx)

	if err := runOnce(ctx, handle, req, publish); err != nil {
		msg := err.Error()
		o.bus.Append(req.RunID, nightshift.EventError, map[string]any{"message": msg})
		o.bus.MarkDone(req.RunID)
		notifyComplete(ctx, onComplete, req.RunID, &msg)
		metrics.RunsTotal.WithLabelValues(descriptor.AgentID, "error").Inc()
		return err
	}

	o.bus.MarkDone(req.RunID)
	notifyComplete(ctx, onComplete, req.RunID, nil)
	metrics.RunsTotal.WithLabelValues(descriptor.AgentID, "completed").Inc()
	return nil
}

func runOnce(ctx context.Context, handle nightshift.Handle, req nightshift.RunRequest, publish nightshift.EventPublisher) error {
	if err := handle.SubmitRun(ctx, req.RunID, req.Prompt, req.RuntimeEnv); err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	if err := handle.WaitForCompletion(ctx, req.RunID, publish); err != nil {
		return fmt.Errorf("wait for completion: %w", err)
	}
	return nil
}
