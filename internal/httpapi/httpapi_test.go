package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nightshiftvm/nightshift/internal/eventbus"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
	"github.com/nightshiftvm/nightshift/internal/orchestrator"
	"github.com/nightshiftvm/nightshift/internal/vm"
	"github.com/nightshiftvm/nightshift/internal/vmpool"
)

func newTestServer() (*Server, *eventbus.Bus) {
	bus := eventbus.New()
	factory := func(ctx context.Context, vmID string, d nightshift.AgentDescriptor) (nightshift.Handle, string, error) {
		return vm.NewFake(vmID, []vm.ScriptedEvent{
			{Type: nightshift.EventStarted, Payload: map[string]any{}},
			{Type: nightshift.EventCompleted, Payload: map[string]any{}},
		}), "", nil
	}
	pool := vmpool.New(factory, 4, time.Minute)
	orch := orchestrator.New(pool, bus)
	return NewServer(bus, orch, nil, ""), bus
}

func TestSubmitRunRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer()
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/internal/runs", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitRunThenStreamEventsReturnsForwardedEvents(t *testing.T) {
	s, _ := newTestServer()
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	body := submitRunRequest{
		Run: nightshift.RunRequest{
			RunID:   "run-http-1",
			AgentID: "agent-http",
			Prompt:  "do something",
		},
		Descriptor: nightshift.AgentDescriptor{AgentID: "agent-http"},
	}
	buf, _ := json.Marshal(body)

	resp, err := http.Post(srv.URL+"/internal/runs", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	eventsResp, err := client.Get(srv.URL + "/api/runs/run-http-1/events")
	if err != nil {
		t.Fatalf("GET events error: %v", err)
	}
	defer eventsResp.Body.Close()

	buf2 := make([]byte, 4096)
	n, _ := eventsResp.Body.Read(buf2)
	out := string(buf2[:n])
	if !bytes.Contains([]byte(out), []byte(nightshift.EventStarted)) {
		t.Fatalf("expected SSE body to mention %s, got %q", nightshift.EventStarted, out)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer()
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
