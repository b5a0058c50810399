package runner

import (
	"context"
	"sync"
	"time"
)

// Group runs long-lived workers (feeds, checkpointer) and lets main wait
// for all of them after cancelling the shared context.
type Group struct {
	wg sync.WaitGroup
}

func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		done <- fn(ctx)
		close(done)
	}()
	return done
}

// Every runs fn on each tick until ctx is done, then once more so the last
// state is flushed.
func Every(ctx context.Context, ticks <-chan time.Time, fn func(ctx context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			fn(context.WithoutCancel(ctx))
			return nil
		case <-ticks:
			fn(ctx)
		}
	}
}

func (g *Group) Wait() { g.wg.Wait() }

// FirstError forwards the first non-nil error from any of chs.
func FirstError(chs ...<-chan error) <-chan error {
	out := make(chan error, len(chs))
	for _, ch := range chs {
		go func(ch <-chan error) {
			if err := <-ch; err != nil {
				out <- err
			}
		}(ch)
	}
	return out
}
