package persistence

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

// 需要真实 Redis，设置 AGORA_TEST_REDIS=host:port 后运行。
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("AGORA_TEST_REDIS")
	if addr == "" {
		t.Skip("AGORA_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "agora:test:" + t.Name()
	store := NewRedisStoreWithClient(client, prefix)
	t.Cleanup(func() {
		for _, section := range sections {
			client.Del(context.Background(), store.key(section))
		}
	})

	if _, ok, err := store.LoadState(ctx); err != nil || ok {
		t.Fatalf("empty prefix should have no snapshot: ok=%v err=%v", ok, err)
	}
	want := sampleState()
	if err := store.SaveState(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.LoadState(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRedisStoreKeys(t *testing.T) {
	store := NewRedisStoreWithClient(nil, "")
	if got := store.key(sectionTasks); got != "agora:state:tasks" {
		t.Fatalf("unexpected key %q", got)
	}
	store = NewRedisStoreWithClient(nil, "custom:")
	if got := store.key(sectionMeta); got != "custom:meta" {
		t.Fatalf("unexpected key %q", got)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close of a borrowed client must not fail: %v", err)
	}
}
