package watch

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestMain(m *testing.M) {
	log.Logger = zerolog.Nop()
	os.Exit(m.Run())
}

func runController(ctx context.Context, c *Controller) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Run(ctx)
	}()
	return result
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestController_CoalescesChangesDuringRebuild(t *testing.T) {
	source := make(ChanSource)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	c := New(source, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := runController(ctx, c)

	source <- []string{"scripts/main.ts"}
	waitFor(t, started, "first rebuild")

	// the controller receives all of these while the first rebuild is blocked
	for i := 0; i < 3; i++ {
		source <- []string{"scripts/main.ts"}
	}
	if c.State() != Rebuilding {
		t.Errorf("expected state rebuilding, got %s", c.State())
	}

	release <- struct{}{}
	waitFor(t, started, "second rebuild")
	release <- struct{}{}

	// give a wrongly queued third rebuild the chance to start
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 rebuilds, got %d", n)
	}
	if c.State() != Watching {
		t.Errorf("expected state watching, got %s", c.State())
	}

	cancel()
	if err := <-result; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != Stopped {
		t.Errorf("expected state stopped, got %s", c.State())
	}
}

func TestController_FailureKeepsWatching(t *testing.T) {
	source := make(ChanSource)
	finished := make(chan struct{})
	var calls int32

	c := New(source, func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		defer func() { finished <- struct{}{} }()
		if n == 1 {
			return errors.New("bundle failed")
		}
		return nil
	}, WithRunOnStart(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := runController(ctx, c)

	waitFor(t, finished, "startup rebuild")
	source <- []string{"behavior_packs/demo/manifest.json"}
	waitFor(t, finished, "second rebuild")

	cancel()
	if err := <-result; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Rebuilds() != 2 {
		t.Errorf("expected 2 rebuilds, got %d", c.Rebuilds())
	}
}

func TestController_StopWaitsForRebuild(t *testing.T) {
	source := make(ChanSource)
	started := make(chan struct{})
	var completed int32

	c := New(source, func(ctx context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		atomic.StoreInt32(&completed, 1)
		return nil
	}, WithRunOnStart(true))

	ctx, cancel := context.WithCancel(context.Background())
	result := runController(ctx, c)

	waitFor(t, started, "rebuild")
	cancel()

	if err := <-result; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&completed) != 1 {
		t.Error("the rebuild was interrupted")
	}
}

func TestController_HardTimeout(t *testing.T) {
	source := make(ChanSource)
	started := make(chan struct{})
	var cancelled int32

	c := New(source, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
		return ctx.Err()
	}, WithRunOnStart(true), WithHardTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	result := runController(ctx, c)

	waitFor(t, started, "rebuild")
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller didn't stop")
	}

	if atomic.LoadInt32(&cancelled) != 1 {
		t.Error("expected the rebuild to be cancelled")
	}
}

func TestController_ClosedSourceStops(t *testing.T) {
	source := make(ChanSource)
	c := New(source, func(ctx context.Context) error { return nil })

	result := runController(context.Background(), c)
	close(source)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller didn't stop")
	}

	if c.Rebuilds() != 0 {
		t.Errorf("expected no rebuilds, got %d", c.Rebuilds())
	}
	if c.Session() == "" {
		t.Error("expected a session id")
	}
}
