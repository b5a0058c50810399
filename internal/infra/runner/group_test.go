package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupReportsWorkerError(t *testing.T) {
	var g Group
	boom := errors.New("boom")
	done := g.Go(context.Background(), func(ctx context.Context) error { return boom })
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	g.Wait()
}

func TestEveryFlushesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	var calls atomic.Int32
	var g Group
	done := g.Go(ctx, func(ctx context.Context) error {
		return Every(ctx, ticks, func(context.Context) { calls.Add(1) })
	})
	ticks <- time.Now()
	ticks <- time.Now()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("err = %v", err)
	}
	g.Wait()
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFirstErrorSkipsNil(t *testing.T) {
	ok := make(chan error, 1)
	bad := make(chan error, 1)
	ok <- nil
	bad <- errors.New("feed failed")
	select {
	case err := <-FirstError(ok, bad):
		if err == nil || err.Error() != "feed failed" {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error forwarded")
	}
}
