package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryBrokerPublishNeverBlocks(t *testing.T) {
	broker := NewMemoryBroker(1)
	defer broker.Close()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if err := broker.Publish(context.Background(), fmt.Sprintf("task-%d", i)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without a consumer")
	}
	if broker.Len() != 100 {
		t.Fatalf("expected 100 pending ids, got %d", broker.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []string
	)
	consumed := make(chan error, 1)
	go func() {
		consumed <- broker.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			got = append(got, id)
			if len(got) == 100 {
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}()
	select {
	case err := <-consumed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("consume: %v", err)
		}
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("consumer did not drain the backlog")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != fmt.Sprintf("task-%d", i) {
			t.Fatalf("ids should be consumed in publish order, got %s at %d", id, i)
		}
	}
}

func TestMemoryBrokerClosed(t *testing.T) {
	broker := NewMemoryBroker(4)
	if err := broker.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := broker.Publish(context.Background(), "late"); !errors.Is(err, errBrokerClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryBroker(1).Publish(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
