package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_ReturnsResult(t *testing.T) {
	p := New(2, nil)
	want := errors.New("boom")

	if err := p.Do(context.Background(), "ok", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Do() error = %v", err)
	}
	if err := p.Do(context.Background(), "fail", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
}

func TestCall_Value(t *testing.T) {
	p := New(1, nil)
	got, err := Call(context.Background(), p, "answer", func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("Call() = %d, %v; want 42, nil", got, err)
	}
}

func TestDo_BoundsConcurrency(t *testing.T) {
	const workers = 2
	p := New(workers, nil)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), "work", func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > workers {
		t.Errorf("peak concurrency = %d, want <= %d", got, workers)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	p := New(1, nil)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, "hang", func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}

	close(release)
	p.Wait()
}

func TestDo_RecoversPanic(t *testing.T) {
	p := New(1, nil)
	err := p.Do(context.Background(), "explode", func(context.Context) error {
		panic("kaboom")
	})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Do() error = %v, want panic error", err)
	}

	// The worker slot must have been released.
	if err := p.Do(context.Background(), "after", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Do() after panic error = %v", err)
	}
}
