// Package vmpool implements the warm-VM pool: per-agent concurrency caps,
// warm/cold checkout, idle eviction, and stateful-agent workspace
// writeback. All pool mutation is serialized under a single condition
// variable, in the style of the oriys-nova function pool's functionPool.
package vmpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nightshiftvm/nightshift/internal/metrics"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
)

// ErrWarmUnhealthy is returned by Checkout when a warm entry fails its
// health probe; the caller (the orchestrator) is expected to retry once.
var ErrWarmUnhealthy = errors.New("warm vm failed health check")

// Factory cold-starts a new VM for agentID, returning a Healthy handle and
// the host path that should receive the workspace if the agent is stateful.
type Factory func(ctx context.Context, vmID string, descriptor nightshift.AgentDescriptor) (handle nightshift.Handle, workspaceWritebackTarget string, err error)

type entry struct {
	handle                   nightshift.Handle
	busy                     bool
	stateful                 bool
	workspaceWritebackTarget string
	idleTimer                *time.Timer
}

// Pool is the per-process VM Pool.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	agents      map[string][]*entry
	defaultCap  int
	idleTimeout time.Duration
	factory     Factory
	closed      bool
	vmSeq       int
}

// New returns an empty Pool. defaultCap is used when an agent's
// MaxConcurrentVMs is zero and it is not stateful.
func New(factory Factory, defaultCap int, idleTimeout time.Duration) *Pool {
	p := &Pool{
		agents:      make(map[string][]*entry),
		defaultCap:  defaultCap,
		idleTimeout: idleTimeout,
		factory:     factory,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Checkout returns a warm handle if one is idle, or cold-starts a new one
// if the agent is below its effective cap, blocking otherwise until an
// entry frees up.
func (p *Pool) Checkout(ctx context.Context, descriptor nightshift.AgentDescriptor) (nightshift.Handle, error) {
	effectiveCap := descriptor.EffectiveCap(p.defaultCap)
	agentID := descriptor.AgentID

	p.mu.Lock()
	var chosen *entry
	coldStart := false

	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is shut down")
		}

		entries := p.agents[agentID]
		for _, e := range entries {
			if !e.busy && e.handle != nil {
				e.busy = true
				p.cancelIdleTimerLocked(e)
				chosen = e
				break
			}
		}
		if chosen != nil {
			break
		}

		if len(entries) < effectiveCap {
			chosen = &entry{busy: true, stateful: descriptor.Stateful}
			p.agents[agentID] = append(entries, chosen)
			coldStart = true
			break
		}

		if err := p.waitLocked(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.mu.Unlock()

	metrics.PoolEntriesActive.WithLabelValues(agentID).Set(float64(p.EntryCount(agentID)))

	if coldStart {
		metrics.CheckoutsTotal.WithLabelValues(agentID, "cold").Inc()
		return p.coldStart(ctx, agentID, descriptor, chosen)
	}
	metrics.CheckoutsTotal.WithLabelValues(agentID, "warm").Inc()
	return p.useWarm(ctx, agentID, chosen)
}

func (p *Pool) useWarm(ctx context.Context, agentID string, e *entry) (nightshift.Handle, error) {
	if e.handle.IsHealthy(context.Background()) {
		return e.handle, nil
	}
	p.mu.Lock()
	p.removeEntryLocked(agentID, e)
	p.cond.Broadcast()
	p.mu.Unlock()

	if err := e.handle.Destroy(ctx); err != nil {
		log.Printf("vmpool: destroy of unhealthy warm entry failed: %v", err)
	}
	metrics.VMsDestroyedTotal.WithLabelValues(agentID, "warm_unhealthy").Inc()
	metrics.WarmFailuresTotal.WithLabelValues(agentID).Inc()
	metrics.PoolEntriesActive.WithLabelValues(agentID).Set(float64(p.EntryCount(agentID)))
	return nil, ErrWarmUnhealthy
}

func (p *Pool) coldStart(ctx context.Context, agentID string, descriptor nightshift.AgentDescriptor, e *entry) (nightshift.Handle, error) {
	p.mu.Lock()
	p.vmSeq++
	vmID := fmt.Sprintf("%s-%d", agentID, p.vmSeq)
	p.mu.Unlock()

	start := time.Now()
	handle, writebackTarget, err := p.factory(ctx, vmID, descriptor)
	if err != nil {
		p.mu.Lock()
		p.removeEntryLocked(agentID, e)
		p.cond.Broadcast()
		p.mu.Unlock()
		metrics.PoolEntriesActive.WithLabelValues(agentID).Set(float64(p.EntryCount(agentID)))
		return nil, fmt.Errorf("cold start vm for agent %s: %w", agentID, err)
	}
	metrics.VMBootDuration.WithLabelValues(agentID).Observe(time.Since(start).Seconds())

	p.mu.Lock()
	e.handle = handle
	e.workspaceWritebackTarget = writebackTarget
	p.mu.Unlock()
	return handle, nil
}

// Checkin returns a handle to the idle pool and arms its idle-eviction
// timer. A checkin of an unknown handle is logged and otherwise ignored.
func (p *Pool) Checkin(agentID string, handle nightshift.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findByHandleLocked(agentID, handle)
	if e == nil {
		log.Printf("vmpool: checkin of unknown handle for agent %s", agentID)
		return
	}
	e.busy = false
	p.armIdleTimerLocked(agentID, e)
	p.cond.Broadcast()
}

// InvalidateVM removes the entry owning handle and destroys it (without
// workspace extraction).
func (p *Pool) InvalidateVM(ctx context.Context, agentID string, handle nightshift.Handle) {
	p.mu.Lock()
	e := p.findByHandleLocked(agentID, handle)
	if e != nil {
		p.removeEntryLocked(agentID, e)
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	if e != nil && e.handle != nil {
		_ = e.handle.Destroy(ctx)
		metrics.VMsDestroyedTotal.WithLabelValues(agentID, "invalidated").Inc()
		metrics.PoolEntriesActive.WithLabelValues(agentID).Set(float64(p.EntryCount(agentID)))
	}
}

// InvalidateAgent atomically removes and destroys every entry for agentID,
// extracting the workspace for stateful entries. Called on redeploy and
// agent delete.
func (p *Pool) InvalidateAgent(ctx context.Context, agentID string) {
	p.mu.Lock()
	entries := p.agents[agentID]
	delete(p.agents, agentID)
	for _, e := range entries {
		p.cancelIdleTimerLocked(e)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, e := range entries {
		p.teardownEntry(ctx, agentID, e, "invalidated")
	}
	metrics.PoolEntriesActive.WithLabelValues(agentID).Set(0)
}

// Shutdown drains every entry across every agent, honoring stateful
// extraction.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	all := p.agents
	p.agents = make(map[string][]*entry)
	for _, entries := range all {
		for _, e := range entries {
			p.cancelIdleTimerLocked(e)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for agentID, entries := range all {
		for _, e := range entries {
			p.teardownEntry(ctx, agentID, e, "drained")
		}
		metrics.PoolEntriesActive.WithLabelValues(agentID).Set(0)
	}
}

func (p *Pool) teardownEntry(ctx context.Context, agentID string, e *entry, reason string) {
	if e.handle == nil {
		return
	}
	if e.stateful {
		if fc, ok := e.handle.(interface {
			SetWorkspaceWritebackTarget(string)
		}); ok && e.workspaceWritebackTarget != "" {
			fc.SetWorkspaceWritebackTarget(e.workspaceWritebackTarget)
		}
		if err := e.handle.Drain(ctx, true); err != nil {
			log.Printf("vmpool: drain with extraction failed: %v", err)
		}
	}
	if err := e.handle.Destroy(ctx); err != nil {
		log.Printf("vmpool: destroy failed: %v", err)
	}
	metrics.VMsDestroyedTotal.WithLabelValues(agentID, reason).Inc()
}

func (p *Pool) findByHandleLocked(agentID string, handle nightshift.Handle) *entry {
	for _, e := range p.agents[agentID] {
		if e.handle == handle {
			return e
		}
	}
	return nil
}

func (p *Pool) removeEntryLocked(agentID string, target *entry) {
	entries := p.agents[agentID]
	out := entries[:0]
	for _, e := range entries {
		if e != target {
			out = append(out, e)
		}
	}
	p.agents[agentID] = out
	p.cancelIdleTimerLocked(target)
}

func (p *Pool) cancelIdleTimerLocked(e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

func (p *Pool) armIdleTimerLocked(agentID string, e *entry) {
	if p.idleTimeout <= 0 {
		return
	}
	e.idleTimer = time.AfterFunc(p.idleTimeout, func() {
		p.fireIdleTimer(agentID, e)
	})
}

// fireIdleTimer re-acquires the pool lock, confirms the entry is still
// present and idle, and destroys it. A racing Checkout that took the entry
// first leaves idleTimer nil or busy=true, so this observes that and exits
// without action.
func (p *Pool) fireIdleTimer(agentID string, e *entry) {
	p.mu.Lock()
	if e.busy || e.idleTimer == nil {
		p.mu.Unlock()
		return
	}
	if p.findByHandleLocked(agentID, e.handle) == nil {
		p.mu.Unlock()
		return
	}
	p.removeEntryLocked(agentID, e)
	p.cond.Broadcast()
	p.mu.Unlock()

	metrics.IdleEvictionsTotal.WithLabelValues(agentID).Inc()
	metrics.PoolEntriesActive.WithLabelValues(agentID).Set(float64(p.EntryCount(agentID)))
	p.teardownEntry(context.Background(), agentID, e, "idle")
}

// waitLocked blocks on the condition variable, translating ctx cancellation
// into a Broadcast so a context-cancelled waiter does not hang forever.
func (p *Pool) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
	return ctx.Err()
}

// EntryCount returns the number of live entries for agentID, for tests and
// metrics.
func (p *Pool) EntryCount(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents[agentID])
}
