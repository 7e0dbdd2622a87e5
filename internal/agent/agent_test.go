package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Agora-Governance/internal/errors"
)

func newTestRegistry(t *testing.T, descs ...Descriptor) *Registry {
	t.Helper()
	if len(descs) == 0 {
		descs = DefaultRoster()
	}
	reg, err := NewRegistry(descs)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestRegistryNormalizesDescriptors(t *testing.T) {
	reg := newTestRegistry(t, Descriptor{ID: " coder ", Capabilities: []string{"Code", "code", " "}, Available: true})
	d, ok := reg.Get("coder")
	if !ok {
		t.Fatalf("coder should be registered")
	}
	if d.MaxConcurrentTasks != 1 {
		t.Fatalf("cap should default to 1, got %d", d.MaxConcurrentTasks)
	}
	if len(d.Capabilities) != 1 || d.Capabilities[0] != "code" {
		t.Fatalf("capabilities not normalized: %v", d.Capabilities)
	}
}

func TestRegistryRejectsInvalidRoster(t *testing.T) {
	if _, err := NewRegistry([]Descriptor{{ID: ""}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty id should be rejected: %v", err)
	}
	if _, err := NewRegistry([]Descriptor{{ID: "a", MaxConcurrentTasks: -1}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("negative cap should be rejected: %v", err)
	}
	if _, err := NewRegistry([]Descriptor{{ID: "a"}, {ID: "a"}}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate id should conflict: %v", err)
	}
}

func TestRegistryAvailabilityAndCapability(t *testing.T) {
	reg := newTestRegistry(t)

	if !reg.Capable("reviewer", "review", "test") {
		t.Fatalf("reviewer should be capable of review+test")
	}
	if reg.Capable("reviewer", "deploy") {
		t.Fatalf("reviewer cannot deploy")
	}
	if err := reg.SetAvailable("reviewer", false); err != nil {
		t.Fatalf("set available: %v", err)
	}
	if reg.Capable("reviewer") {
		t.Fatalf("unavailable agent is never capable")
	}
	for _, d := range reg.AvailableAgents() {
		if d.ID == "reviewer" {
			t.Fatalf("reviewer should not be listed as available")
		}
	}
	if len(reg.List()) != len(DefaultRoster()) {
		t.Fatalf("List should still include unavailable agents")
	}
	if err := reg.SetAvailable("ghost", true); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("unknown agent should be not found: %v", err)
	}
	if reg.MaxConcurrent("coder") != 2 || reg.MaxConcurrent("ghost") != 0 {
		t.Fatalf("unexpected caps")
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg := newTestRegistry(t)
	d, _ := reg.Get("coder")
	d.Capabilities[0] = "mutated"
	again, _ := reg.Get("coder")
	if again.Capabilities[0] != "code" {
		t.Fatalf("registry state leaked through Get")
	}
}

func TestRegistryRestoreKeepsConfiguredCaps(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Restore([]Descriptor{
		{ID: "coder", MaxConcurrentTasks: 9, Available: false},
		{ID: "designer", Capabilities: []string{"ui"}, Available: true},
	})
	coder, _ := reg.Get("coder")
	if coder.Available || coder.MaxConcurrentTasks != 2 {
		t.Fatalf("restore should only carry availability, got %+v", coder)
	}
	if !reg.Capable("designer", "ui") {
		t.Fatalf("restored unknown agent should be added")
	}
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := `
agents:
  - id: coder
    capabilities: [code]
    max_concurrent_tasks: 3
    available: true
  - id: ops
    capabilities: [ops]
    endpoint: http://ops.local/run
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	descs, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if len(descs) != 2 || descs[0].MaxConcurrentTasks != 3 || descs[1].Endpoint != "http://ops.local/run" {
		t.Fatalf("unexpected roster: %+v", descs)
	}

	list, err := ParseRoster([]byte(`[{"id":"solo","capabilities":["code"],"available":true}]`))
	if err != nil || len(list) != 1 || list[0].ID != "solo" {
		t.Fatalf("json list roster failed: %v %+v", err, list)
	}
}

func TestHTTPRuntimeExecute(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var inv Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"output": "done " + inv.TaskID})
	}))
	defer srv.Close()

	reg := newTestRegistry(t, Descriptor{ID: "coder", Capabilities: []string{"code"}, Available: true, Endpoint: srv.URL})
	rt, err := NewHTTPRuntime(reg, HTTPConfig{Token: "secret"})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	res, err := rt.Execute(context.Background(), Invocation{TaskID: "t1", AgentID: "coder", Description: "fix bug"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "done t1" || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPRuntimeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/reported":
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "compile error"})
		case "/async":
			w.WriteHeader(http.StatusAccepted)
		case "/slow":
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(t,
		Descriptor{ID: "fail", Endpoint: srv.URL + "/fail"},
		Descriptor{ID: "reported", Endpoint: srv.URL + "/reported"},
		Descriptor{ID: "async", Endpoint: srv.URL + "/async"},
		Descriptor{ID: "slow", Endpoint: srv.URL + "/slow"},
		Descriptor{ID: "local"},
	)
	rt, err := NewHTTPRuntime(reg, HTTPConfig{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	if _, err := rt.Execute(context.Background(), Invocation{AgentID: "fail"}); xerrors.CodeOf(err) != xerrors.CodeRuntimeFailure {
		t.Fatalf("status 500 should be a runtime failure: %v", err)
	}
	if _, err := rt.Execute(context.Background(), Invocation{AgentID: "reported"}); xerrors.CodeOf(err) != xerrors.CodeRuntimeFailure {
		t.Fatalf("reported error should be a runtime failure: %v", err)
	}
	if _, err := rt.Execute(context.Background(), Invocation{AgentID: "async"}); !errors.Is(err, ErrDetached) {
		t.Fatalf("202 should detach: %v", err)
	}
	if _, err := rt.Execute(context.Background(), Invocation{AgentID: "local"}); !errors.Is(err, ErrDetached) {
		t.Fatalf("agent without endpoint should detach: %v", err)
	}
	if _, err := rt.Execute(context.Background(), Invocation{AgentID: "ghost"}); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("unknown agent should be not found: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rt.Execute(ctx, Invocation{AgentID: "slow"}); xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("deadline should map to timeout: %v", err)
	}
}
