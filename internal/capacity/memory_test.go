package capacity

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryGuardLimit(t *testing.T) {
	guard := NewMemoryGuard()
	ctx := context.Background()
	trunk := uuid.New()

	for i := 0; i < 3; i++ {
		ok, err := guard.Acquire(ctx, trunk, 3)
		if err != nil || !ok {
			t.Fatalf("acquire %d failed: ok=%v err=%v", i, ok, err)
		}
	}

	ok, err := guard.Acquire(ctx, trunk, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("acquire above the limit must fail")
	}

	if err := guard.Release(ctx, trunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ = guard.Acquire(ctx, trunk, 3)
	if !ok {
		t.Fatal("acquire after release must succeed")
	}
}

func TestMemoryGuardZeroLimit(t *testing.T) {
	guard := NewMemoryGuard()
	ok, err := guard.Acquire(context.Background(), uuid.New(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("zero-capacity trunk must never grant a slot")
	}
}

func TestMemoryGuardReleaseNeverGoesNegative(t *testing.T) {
	guard := NewMemoryGuard()
	ctx := context.Background()
	trunk := uuid.New()

	if err := guard.Release(ctx, trunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inUse, err := guard.InUse(ctx, trunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inUse != 0 {
		t.Fatalf("expected 0 in use, got %d", inUse)
	}
}

func TestMemoryGuardConcurrentAcquire(t *testing.T) {
	guard := NewMemoryGuard()
	ctx := context.Background()
	trunk := uuid.New()
	const limit = 5
	const callers = 50

	var wg sync.WaitGroup
	granted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := guard.Acquire(ctx, trunk, limit); ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, count)
	}

	inUse, _ := guard.InUse(ctx, trunk)
	if inUse != limit {
		t.Fatalf("expected %d in use, got %d", limit, inUse)
	}
}
