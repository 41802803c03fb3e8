package vmpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nightshiftvm/nightshift/internal/nightshift"
	"github.com/nightshiftvm/nightshift/internal/vm"
)

func descriptor(agentID string, maxConcurrent int, stateful bool) nightshift.AgentDescriptor {
	return nightshift.AgentDescriptor{
		AgentID:          agentID,
		MaxConcurrentVMs: maxConcurrent,
		Stateful:         stateful,
	}
}

func countingFactory(coldStarts *int32) Factory {
	return func(ctx context.Context, vmID string, d nightshift.AgentDescriptor) (nightshift.Handle, string, error) {
		atomic.AddInt32(coldStarts, 1)
		return vm.NewFake(vmID, []vm.ScriptedEvent{
			{Type: nightshift.EventStarted, Payload: map[string]any{}},
			{Type: nightshift.EventCompleted, Payload: map[string]any{}},
		}), "", nil
	}
}

func TestCheckoutThenCheckinReusesWarmEntry(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, time.Minute)
	d := descriptor("agent-a", 0, false)

	h1, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	p.Checkin(d.AgentID, h1)

	h2, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	if h2 != h1 {
		t.Fatal("expected the second checkout to reuse the same warm handle")
	}
	if atomic.LoadInt32(&coldStarts) != 1 {
		t.Fatalf("expected exactly 1 cold start, got %d", coldStarts)
	}
}

func TestIdleTimeoutEvictsEntry(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, 30*time.Millisecond)
	d := descriptor("agent-b", 0, false)

	h1, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	p.Checkin(d.AgentID, h1)

	time.Sleep(150 * time.Millisecond)

	if n := p.EntryCount(d.AgentID); n != 0 {
		t.Fatalf("expected idle entry to be evicted, found %d entries", n)
	}

	h2, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	if h2 == h1 {
		t.Fatal("expected a fresh cold start after idle eviction")
	}
	if atomic.LoadInt32(&coldStarts) != 2 {
		t.Fatalf("expected exactly 2 cold starts, got %d", coldStarts)
	}
	if fh, ok := h1.(*vm.FakeHandle); ok && !fh.Destroyed() {
		t.Fatal("expected the evicted handle to be destroyed")
	}
}

func TestConcurrencyCapQueuesExcessCheckouts(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, time.Minute)
	d := descriptor("agent-c", 2, false)

	h1, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	h2, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}

	done := make(chan nightshift.Handle, 1)
	go func() {
		h, err := p.Checkout(context.Background(), d)
		if err != nil {
			t.Errorf("Checkout() error: %v", err)
			return
		}
		done <- h
	}()

	select {
	case <-done:
		t.Fatal("third checkout should have blocked at the concurrency cap")
	case <-time.After(100 * time.Millisecond):
	}

	p.Checkin(d.AgentID, h1)

	select {
	case h3 := <-done:
		if h3 != h1 {
			t.Fatal("expected the queued checkout to receive the checked-in handle")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued checkout never unblocked after checkin")
	}

	if atomic.LoadInt32(&coldStarts) != 2 {
		t.Fatalf("expected exactly 2 cold starts (cap), got %d", coldStarts)
	}
	_ = h2
}

func TestWarmFailureDiscardsAndRetriesCold(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, time.Minute)
	d := descriptor("agent-d", 0, false)

	h1, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	fh1 := h1.(*vm.FakeHandle)
	fh1.SetHealthy(false)
	p.Checkin(d.AgentID, h1)

	_, err = p.Checkout(context.Background(), d)
	if err != ErrWarmUnhealthy {
		t.Fatalf("expected ErrWarmUnhealthy, got %v", err)
	}
	if n := p.EntryCount(d.AgentID); n != 0 {
		t.Fatalf("expected unhealthy entry to be removed, found %d entries", n)
	}

	h2, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("retry Checkout() error: %v", err)
	}
	if h2 == h1 {
		t.Fatal("expected a fresh handle on retry")
	}
	if atomic.LoadInt32(&coldStarts) != 2 {
		t.Fatalf("expected exactly 2 cold starts, got %d", coldStarts)
	}
}

func TestInvalidateAgentDestroysAllEntries(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, time.Minute)
	d := descriptor("agent-e", 2, false)

	h1, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	h2, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	p.Checkin(d.AgentID, h2)

	p.InvalidateAgent(context.Background(), d.AgentID)

	if n := p.EntryCount(d.AgentID); n != 0 {
		t.Fatalf("expected 0 entries after InvalidateAgent, got %d", n)
	}
	if !h1.(*vm.FakeHandle).Destroyed() {
		t.Fatal("expected busy entry to be destroyed by InvalidateAgent")
	}
	if !h2.(*vm.FakeHandle).Destroyed() {
		t.Fatal("expected idle entry to be destroyed by InvalidateAgent")
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, time.Minute)
	da := descriptor("agent-f", 1, false)
	db := descriptor("agent-g", 1, false)

	ha, _ := p.Checkout(context.Background(), da)
	hb, _ := p.Checkout(context.Background(), db)
	p.Checkin(da.AgentID, ha)
	p.Checkin(db.AgentID, hb)

	p.Shutdown(context.Background())

	if !ha.(*vm.FakeHandle).Destroyed() || !hb.(*vm.FakeHandle).Destroyed() {
		t.Fatal("expected Shutdown to destroy every entry")
	}
	if _, err := p.Checkout(context.Background(), da); err == nil {
		t.Fatal("expected Checkout after Shutdown to fail")
	}
}

func TestStatefulCapIsAlwaysOne(t *testing.T) {
	var coldStarts int32
	p := New(countingFactory(&coldStarts), 4, time.Minute)
	d := descriptor("agent-h", 10, true)

	h1, err := p.Checkout(context.Background(), d)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	unblocked := make(chan struct{})
	go func() {
		defer wg.Done()
		_, _ = p.Checkout(context.Background(), d)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("stateful agent should cap at 1 concurrent VM regardless of MaxConcurrentVMs")
	case <-time.After(100 * time.Millisecond):
	}

	p.Checkin(d.AgentID, h1)
	wg.Wait()
}
