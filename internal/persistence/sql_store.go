package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/task"
)

// 快照在 governance_state 表中按分区存储。
const (
	sectionMeta      = "meta"
	sectionProposals = "proposals"
	sectionDecisions = "decisions"
	sectionTasks     = "tasks"
	sectionAgents    = "agents"
	sectionPatterns  = "patterns"
)

var sections = []string{sectionMeta, sectionProposals, sectionDecisions, sectionTasks, sectionAgents, sectionPatterns}

type dialect struct {
	driver        string
	upsertState   string
	upsertArchive string
}

var dialects = map[string]dialect{
	DriverMySQL: {
		driver: "mysql",
		upsertState: `INSERT INTO governance_state (section, payload, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`,
		upsertArchive: `INSERT INTO task_archive (id, agent_id, status, error_code, description, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), error_code = VALUES(error_code), completed_at = VALUES(completed_at)`,
	},
	DriverSQLite: {
		driver: "sqlite",
		upsertState: `INSERT INTO governance_state (section, payload, updated_at) VALUES (?, ?, ?)
    ON CONFLICT(section) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		upsertArchive: `INSERT INTO task_archive (id, agent_id, status, error_code, description, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET status = excluded.status, error_code = excluded.error_code, completed_at = excluded.completed_at`,
	},
}

// SQLStore 把快照保存到 MySQL 或 SQLite，并把终态任务归档到 task_archive。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLStore 打开数据库连接并执行内嵌迁移。
func OpenSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	d, ok := dialects[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported sql driver: "+cfg.Driver)
	}
	dsn := cfg.DSN
	if name == DriverSQLite && dsn == "" {
		dsn = cfg.Path
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "database DSN is required")
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	if name == DriverSQLite {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
	} else {
		configurePool(db, cfg)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接数据库")
	}
	if err := migrate(ctx, db, embeddedMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// NewSQLStoreWithDB 基于已有连接构造存储，不执行迁移。
func NewSQLStoreWithDB(db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported sql driver: "+driver)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func configurePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

type stateMeta struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
}

// SaveState 在一个事务中覆盖全部分区。
func (s *SQLStore) SaveState(ctx context.Context, state State) error {
	payloads, err := encodeSections(state)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	for _, section := range sections {
		if _, err := tx.ExecContext(ctx, s.dialect.upsertState, section, payloads[section], now); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败", xerrors.WithMetadata("section", section))
		}
	}
	for _, t := range state.Tasks {
		if !t.Status.Terminal() {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.dialect.upsertArchive,
			t.ID, t.AgentID, string(t.Status), t.ErrorCode, t.Description,
			t.CreatedAt.UnixMilli(), t.CompletedAt.UnixMilli()); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档任务失败", xerrors.WithMetadata("task_id", t.ID))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交快照失败")
	}
	return nil
}

// LoadState 读取全部分区。没有 meta 分区时视为尚无快照。
func (s *SQLStore) LoadState(ctx context.Context) (State, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT section, payload FROM governance_state`)
	if err != nil {
		return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询快照失败")
	}
	defer rows.Close()

	payloads := make(map[string]string)
	for rows.Next() {
		var section, payload string
		if err := rows.Scan(&section, &payload); err != nil {
			return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照失败")
		}
		payloads[section] = payload
	}
	if err := rows.Err(); err != nil {
		return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历快照失败")
	}
	if _, ok := payloads[sectionMeta]; !ok {
		return State{}, false, nil
	}
	state, err := decodeSections(payloads)
	if err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

// ArchivedTask 是 task_archive 中的一行。
type ArchivedTask struct {
	ID          string
	AgentID     string
	Status      task.Status
	ErrorCode   string
	Description string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// ArchivedTasks 按完成时间倒序返回归档任务，status 为空时不过滤。
func (s *SQLStore) ArchivedTasks(ctx context.Context, status task.Status, limit int) ([]ArchivedTask, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, agent_id, status, error_code, description, created_at, completed_at FROM task_archive`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归档任务失败")
	}
	defer rows.Close()

	var out []ArchivedTask
	for rows.Next() {
		var (
			rec                  ArchivedTask
			status               string
			created, completedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &status, &rec.ErrorCode, &rec.Description, &created, &completedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归档任务失败")
		}
		rec.Status = task.Status(status)
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rec.CompletedAt = time.UnixMilli(completedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历归档任务失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeSections(state State) (map[string]string, error) {
	values := map[string]any{
		sectionMeta:      stateMeta{Version: state.Version, SavedAt: state.SavedAt},
		sectionProposals: state.Proposals,
		sectionDecisions: state.Decisions,
		sectionTasks:     state.Tasks,
		sectionAgents:    state.Agents,
		sectionPatterns:  state.Patterns,
	}
	out := make(map[string]string, len(values))
	for section, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败", xerrors.WithMetadata("section", section))
		}
		out[section] = string(data)
	}
	return out, nil
}

func decodeSections(payloads map[string]string) (State, error) {
	var (
		state State
		meta  stateMeta
	)
	targets := map[string]any{
		sectionMeta:      &meta,
		sectionProposals: &state.Proposals,
		sectionDecisions: &state.Decisions,
		sectionTasks:     &state.Tasks,
		sectionAgents:    &state.Agents,
		sectionPatterns:  &state.Patterns,
	}
	for section, target := range targets {
		payload, ok := payloads[section]
		if !ok || payload == "" {
			continue
		}
		if err := json.Unmarshal([]byte(payload), target); err != nil {
			return State{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照失败", xerrors.WithMetadata("section", section))
		}
	}
	state.Version = meta.Version
	state.SavedAt = meta.SavedAt
	if err := checkVersion(state); err != nil {
		return State{}, err
	}
	return state, nil
}
