package persistence

import (
	"context"
	stdErrors "errors"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "Agora-Governance/internal/errors"
)

// RedisConfig 描述 Redis 快照存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix 是分区键前缀，默认 agora:state。
	Prefix string
}

// RedisStore 把快照各分区写入 Redis 字符串键，写入在 MULTI/EXEC 中完成。
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore 连接 Redis 并返回快照存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	s := NewRedisStoreWithClient(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端，Close 不会关闭它。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agora:state"
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (s *RedisStore) key(section string) string {
	return s.prefix + ":" + section
}

// SaveState 写入全部分区。
func (s *RedisStore) SaveState(ctx context.Context, state State) error {
	payloads, err := encodeSections(state)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, section := range sections {
			pipe.Set(ctx, s.key(section), payloads[section], 0)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 快照失败")
	}
	return nil
}

// LoadState 读取全部分区。
func (s *RedisStore) LoadState(ctx context.Context) (State, bool, error) {
	keys := make([]string, len(sections))
	for i, section := range sections {
		keys[i] = s.key(section)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !stdErrors.Is(err, redis.Nil) {
		return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 快照失败")
	}
	payloads := make(map[string]string, len(sections))
	for i, v := range values {
		if str, ok := v.(string); ok {
			payloads[sections[i]] = str
		}
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

// Close 关闭自行创建的客户端。
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
