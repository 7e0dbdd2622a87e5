package persistence

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/task"
)

func sampleState() State {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return State{
		Version: StateVersion,
		SavedAt: at,
		Proposals: []council.Proposal{{
			ID:                 "p-1",
			Description:        "redesign the api architecture",
			ProposedBy:         "coder",
			ProposalType:       council.TypeArchitectural,
			ConsensusThreshold: 0.66,
			Voters:             []string{"coder", "reviewer"},
			CreatedAt:          at,
			ExpiresAt:          at.Add(time.Minute),
			Status:             council.StatusApproved,
			Votes: map[string]council.Vote{
				"coder": {AgentID: "coder", Choice: council.ChoiceApprove, Timestamp: at},
			},
			DecisionID: "d-1",
		}},
		Decisions: []council.Decision{{
			ID:             "d-1",
			ProposalID:     "p-1",
			ProposalType:   council.TypeArchitectural,
			Description:    "redesign the api architecture",
			Decision:       council.StatusApproved,
			ConsensusLevel: 1,
			Threshold:      0.66,
			VoteSummary: council.VoteSummary{
				Approve:     1,
				WeightedFor: 1,
				Ballots:     map[string]council.Choice{"coder": council.ChoiceApprove},
			},
			Rationale:  "consensus reached",
			ExecutedAt: at,
		}},
		Tasks: []task.Task{
			{
				ID:          "t-1",
				Description: "fix the login bug",
				AgentID:     "coder",
				Status:      task.StatusCompleted,
				Governance:  task.Governance{Verdict: constitution.Verdict{Allowed: true, Rationale: "ok", Confidence: 1}},
				Result:      "patched",
				CreatedAt:   at,
				StartedAt:   at,
				CompletedAt: at.Add(2 * time.Second),
			},
			{
				ID:          "t-2",
				Description: "redesign the api architecture",
				AgentID:     "coder",
				Status:      task.StatusRunning,
				Governance:  task.Governance{ProposalID: "p-1", DecisionID: "d-1", Verdict: constitution.Verdict{Allowed: true}},
				CreatedAt:   at.Add(time.Second),
				StartedAt:   at.Add(time.Second),
			},
		},
		Agents: []agent.Descriptor{
			{ID: "coder", Capabilities: []string{"code"}, MaxConcurrentTasks: 2, Available: true},
			{ID: "reviewer", Capabilities: []string{"review"}, MaxConcurrentTasks: 1, Available: false},
		},
		Patterns: []pattern.Pattern{{
			ID:                "bugfix",
			Name:              "Bug fix",
			Category:          "bugfix",
			RecommendedAgents: []string{"coder"},
			SuccessRate:       0.9,
			SampleSize:        12,
			UpdatedAt:         at,
		}},
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agora.db")

	store, err := OpenSQLStore(ctx, Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	if _, ok, err := store.LoadState(ctx); err != nil || ok {
		t.Fatalf("empty database should have no snapshot: ok=%v err=%v", ok, err)
	}

	want := sampleState()
	if err := store.SaveState(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	// 第二次保存覆盖同一分区。
	if err := store.SaveState(ctx, want); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, ok, err := store.LoadState(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	archived, err := store.ArchivedTasks(ctx, task.StatusCompleted, 10)
	if err != nil {
		t.Fatalf("archived tasks: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "t-1" || archived[0].Status != task.StatusCompleted {
		t.Fatalf("only terminal tasks are archived, got %+v", archived)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// 重新打开时迁移不会重复执行。
	reopened, err := OpenSQLStore(ctx, Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, err := reopened.LoadState(ctx); err != nil || !ok {
		t.Fatalf("snapshot should survive reopen: ok=%v err=%v", ok, err)
	}
}

func TestSQLStoreMySQLDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store, err := NewSQLStoreWithDB(db, DriverMySQL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	state := sampleState()
	mock.ExpectBegin()
	for _, section := range sections {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO governance_state (section, payload, updated_at) VALUES (?, ?, ?)\n    ON DUPLICATE KEY UPDATE")).
			WithArgs(section, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO task_archive")).
		WithArgs("t-1", "coder", "completed", "", "fix the login bug", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveState(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT section, payload FROM governance_state")).
		WillReturnRows(sqlmock.NewRows([]string{"section", "payload"}).
			AddRow("meta", `{"version":1,"saved_at":"2026-03-01T09:30:00Z"}`).
			AddRow("agents", `[{"id":"coder","capabilities":["code"],"max_concurrent_tasks":2,"available":true}]`))
	got, ok, err := store.LoadState(context.Background())
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(got.Agents) != 1 || got.Agents[0].ID != "coder" || got.Version != 1 {
		t.Fatalf("unexpected state %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStoreRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store, _ := NewSQLStoreWithDB(db, DriverMySQL)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO governance_state").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err = store.SaveState(context.Background(), State{Version: StateVersion})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStoreRejectsNewerSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store, _ := NewSQLStoreWithDB(db, DriverSQLite)

	mock.ExpectQuery("SELECT section, payload FROM governance_state").
		WillReturnRows(sqlmock.NewRows([]string{"section", "payload"}).AddRow("meta", `{"version":99}`))
	if _, _, err := store.LoadState(context.Background()); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("newer snapshot should be rejected, got %v", err)
	}
}

func TestMigrateAppliesPendingVersionsInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	source := fstest.MapFS{
		"0002_second.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);\nCREATE INDEX idx_a ON a (id);")},
		"0003_third.sql":  {Data: []byte("CREATE TABLE c (id INT);")},
		"README.md":       {Data: []byte("ignored")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	for _, m := range []struct{ version, stmt string }{{"0002", "CREATE TABLE b"}, {"0003", "CREATE TABLE c"}} {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(m.stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
			WithArgs(m.version, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	if err := migrate(context.Background(), db, source); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedMigrationsAreVersioned(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" {
		t.Fatalf("unexpected migrations %+v", files)
	}
	if got := splitSQLStatements(" a; ;b ;"); len(got) != 2 {
		t.Fatalf("unexpected statements %q", got)
	}
	if got := parseMigrationVersion("0007.sql"); got != "0007" {
		t.Fatalf("unexpected version %q", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "cassandra"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	store, err := Open(context.Background(), Config{Driver: DriverNone})
	if err != nil || store != nil {
		t.Fatalf("none driver should return no store: %v %v", store, err)
	}
}
