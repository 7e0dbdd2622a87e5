package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/council"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/observability/alerting"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/task"
)

type components struct {
	council  *council.Council
	queue    *task.ExecutionQueue
	registry *agent.Registry
	tracker  *pattern.Tracker
}

func newComponents(t *testing.T) components {
	t.Helper()
	registry, err := agent.NewRegistry(agent.DefaultRoster())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return components{
		council:  council.New(),
		queue:    task.NewExecutionQueue(registry),
		registry: registry,
		tracker:  pattern.NewTracker(nil),
	}
}

func (c components) sources() Sources {
	return Sources{Council: c.council, Queue: c.queue, Registry: c.registry, Patterns: c.tracker}
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type failingStore struct{}

func (failingStore) LoadState(context.Context) (State, bool, error) {
	return State{}, false, errors.New("disk on fire")
}

func (failingStore) SaveState(context.Context, State) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func (failingStore) Close() error { return nil }

func TestSnapshotterFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "snapshot.json"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	src := newComponents(t)
	p, err := src.council.Propose(council.ProposalRequest{Description: "redesign the cache layer", ProposedBy: "coder", Voters: []string{"coder"}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := src.council.Vote(p.ID, "coder", council.ChoiceApprove, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	open, err := src.council.Propose(council.ProposalRequest{Description: "raise the ops budget", ProposedBy: "ops"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	done, _ := src.queue.Enqueue(ctx, task.Spec{Description: "fix the login bug", AgentID: "coder"})
	if _, err := src.queue.Complete(ctx, done.ID, "patched"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	running, _ := src.queue.Enqueue(ctx, task.Spec{Description: "deploy the api", AgentID: "ops"})
	waiting, _ := src.queue.Enqueue(ctx, task.Spec{Description: "deploy the worker", AgentID: "ops"})
	if err := src.registry.SetAvailable("frontend", false); err != nil {
		t.Fatalf("set available: %v", err)
	}
	learned := src.tracker.RecordOutcome(pattern.Outcome{Description: "write docs for the sdk", AgentID: "researcher", Success: true, Duration: time.Second})

	if err := NewSnapshotter(store, src.sources()).Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	dst := newComponents(t)
	ok, err := NewSnapshotter(store, dst.sources()).Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}

	if got, err := dst.council.GetProposal(p.ID); err != nil || got.Status != council.StatusApproved {
		t.Fatalf("decided proposal not restored: %+v %v", got, err)
	}
	if got, err := dst.council.GetProposal(open.ID); err != nil || got.Status != council.StatusOpen {
		t.Fatalf("open proposal not restored: %+v %v", got, err)
	}
	if len(dst.council.GetDecisions(0)) != 1 {
		t.Fatalf("decision history not restored")
	}
	if got, _ := dst.queue.GetTask(done.ID); got.Status != task.StatusCompleted || got.Result != "patched" {
		t.Fatalf("terminal task not restored: %+v", got)
	}
	// 未结束的任务重新排队，按原入队顺序晋升。
	if got, _ := dst.queue.GetTask(running.ID); got.Status != task.StatusRunning {
		t.Fatalf("first ops task should be promoted again, got %s", got.Status)
	}
	if got, _ := dst.queue.GetTask(waiting.ID); got.Status != task.StatusQueued {
		t.Fatalf("second ops task should wait, got %s", got.Status)
	}
	if d, _ := dst.registry.Get("frontend"); d.Available {
		t.Fatalf("availability should be restored")
	}
	if learned != "" {
		if _, ok := dst.tracker.Get(learned); !ok {
			t.Fatalf("learned pattern %s not restored", learned)
		}
	}
}

func TestFileStoreMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if _, ok, err := store.LoadState(context.Background()); ok || err != nil {
		t.Fatalf("missing file means no snapshot: ok=%v err=%v", ok, err)
	}
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := store.LoadState(context.Background()); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("corrupt snapshot should fail, got %v", err)
	}
	if _, err := NewFileStore("  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty path should be rejected, got %v", err)
	}
}

func TestSnapshotterSurfacesFailures(t *testing.T) {
	alerts := &recordingAlerter{}
	s := NewSnapshotter(failingStore{}, newComponents(t).sources(), WithAlerts(alerts))

	if err := s.Save(context.Background()); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("save failure should be returned, got %v", err)
	}
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatalf("load failure should be returned")
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 2 {
		t.Fatalf("expected two alerts, got %d", len(alerts.events))
	}
	if alerts.events[1].Code != xerrors.CodeStorageFailure {
		t.Fatalf("uncoded errors are reported as storage failures, got %s", alerts.events[1].Code)
	}
}

func TestSnapshotterRunSavesOnShutdown(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	src := newComponents(t)
	s := NewSnapshotter(store, src.sources(), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	if _, err := src.queue.Enqueue(context.Background(), task.Spec{Description: "deploy the api", AgentID: "ops"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("snapshotter did not stop")
	}

	state, ok, err := store.LoadState(context.Background())
	if err != nil || !ok || len(state.Tasks) != 1 {
		t.Fatalf("final snapshot missing: ok=%v err=%v tasks=%d", ok, err, len(state.Tasks))
	}
}

func TestSnapshotterWithoutStore(t *testing.T) {
	s := NewSnapshotter(nil, Sources{})
	if err := s.Save(context.Background()); err != nil {
		t.Fatalf("nil store save: %v", err)
	}
	if ok, err := s.Load(context.Background()); ok || err != nil {
		t.Fatalf("nil store load: %v %v", ok, err)
	}
}
