package cache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/infra/cache"
)

func TestCache_SetGetDelete(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("rules", "v1")
	val, ok := c.Get("rules")
	if !ok || val != "v1" {
		t.Fatalf("expected v1, got %q (%v)", val, ok)
	}

	c.Delete("rules")
	if _, ok := c.Get("rules"); ok {
		t.Fatal("expected key to be deleted")
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](50 * time.Millisecond)
	defer c.Close()

	c.Set("rules", "v1")
	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("rules"); ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestLoad_CachesUntilDeleted(t *testing.T) {
	c := cache.New[int](time.Minute)
	defer c.Close()

	calls := 0
	load := func() (int, error) {
		calls++
		return calls, nil
	}

	v, hit, err := c.Load("rules", load)
	if err != nil || hit || v != 1 {
		t.Fatalf("first load: v=%d hit=%v err=%v", v, hit, err)
	}
	v, hit, _ = c.Load("rules", load)
	if !hit || v != 1 {
		t.Fatalf("second load should hit: v=%d hit=%v", v, hit)
	}

	c.Delete("rules")
	v, hit, _ = c.Load("rules", load)
	if hit || v != 2 {
		t.Fatalf("load after delete: v=%d hit=%v", v, hit)
	}
}

func TestLoad_ErrorIsNotCached(t *testing.T) {
	c := cache.New[int](time.Minute)
	defer c.Close()

	boom := errors.New("boom")
	if _, _, err := c.Load("rules", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := c.Get("rules"); ok {
		t.Fatal("failed load must not populate the cache")
	}
}

func TestLoad_DeleteDuringLoadDropsStaleValue(t *testing.T) {
	c := cache.New[string](time.Minute)
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string)
	go func() {
		v, _, _ := c.Load("rules", func() (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		done <- v
	}()

	<-started
	c.Delete("rules")
	close(release)

	if v := <-done; v != "stale" {
		t.Fatalf("caller should still get its value, got %q", v)
	}
	if _, ok := c.Get("rules"); ok {
		t.Fatal("value loaded across a delete must not be stored")
	}
}

func TestLoad_CollapsesConcurrentLoads(t *testing.T) {
	c := cache.New[int](time.Minute)
	defer c.Close()

	var calls atomic.Int32
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.Load("rules", func() (int, error) {
				calls.Add(1)
				<-gate
				return 7, nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
	if v, ok := c.Get("rules"); !ok || v != 7 {
		t.Fatalf("expected cached 7, got %d (%v)", v, ok)
	}
}
