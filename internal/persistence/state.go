package persistence

import (
	"context"
	"strings"
	"time"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/council"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/task"
)

// StateVersion 是当前快照格式的版本号。
const StateVersion = 1

// State 是治理核心的完整快照。
type State struct {
	Version   int                `json:"version"`
	SavedAt   time.Time          `json:"saved_at"`
	Proposals []council.Proposal `json:"proposals"`
	Decisions []council.Decision `json:"decisions"`
	Tasks     []task.Task        `json:"tasks"`
	Agents    []agent.Descriptor `json:"agents"`
	Patterns  []pattern.Pattern  `json:"patterns,omitempty"`
}

// Store 负责快照的读写。LoadState 在尚无快照时返回 false。
type Store interface {
	LoadState(ctx context.Context) (State, bool, error)
	SaveState(ctx context.Context, state State) error
	Close() error
}

// 存储驱动。
const (
	DriverNone   = "none"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

// Config 描述快照存储。
type Config struct {
	Driver string
	// Path 用于 file 与 sqlite 驱动。
	Path string
	// DSN 用于 mysql 驱动。
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Redis           RedisConfig
}

// Open 按驱动打开快照存储。driver 为 none 或空时返回 nil。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNone:
		return nil, nil
	case DriverFile:
		return storeOrNil(NewFileStore(cfg.Path))
	case DriverSQLite, DriverMySQL:
		return storeOrNil(OpenSQLStore(ctx, cfg))
	case DriverRedis:
		return storeOrNil(NewRedisStore(ctx, cfg.Redis))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported persistence driver: "+cfg.Driver)
	}
}

// storeOrNil 避免把类型化的 nil 指针包装成非 nil 的 Store。
func storeOrNil[S Store](store S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return store, nil
}

func checkVersion(state State) error {
	if state.Version > StateVersion {
		return xerrors.Errorf(xerrors.CodeStorageFailure, "snapshot version %d is newer than supported %d", state.Version, StateVersion)
	}
	return nil
}
