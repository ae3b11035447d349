// Package watch re-runs a build whenever watched files change
package watch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

// State describes what a Controller is currently doing
type State int32

const (
	Idle State = iota
	Watching
	Rebuilding
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Rebuilding:
		return "rebuilding"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source delivers batches of changed paths. Debouncing is up to the source.
type Source interface {
	Events() <-chan []string
	Close() error
}

// RebuildFunc is called for every batch of changes that isn't coalesced into a running rebuild
type RebuildFunc func(ctx context.Context) error

// Controller runs at most one rebuild at a time. Changes arriving during a rebuild set a single
// pending flag which causes exactly one follow-up rebuild.
type Controller struct {
	source      Source
	rebuild     RebuildFunc
	hardTimeout time.Duration
	runOnStart  bool

	session  string
	state    int32
	rebuilds int32
}

// Option configures a Controller
type Option func(*Controller)

// WithHardTimeout cancels an in-flight rebuild if it hasn't finished d after the stop signal.
// Without it the controller waits for the rebuild to finish.
func WithHardTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.hardTimeout = d
	}
}

// WithRunOnStart runs the rebuild once as soon as the controller starts
func WithRunOnStart(enabled bool) Option {
	return func(c *Controller) {
		c.runOnStart = enabled
	}
}

// New creates a controller in the Idle state
func New(source Source, rebuild RebuildFunc, opts ...Option) *Controller {
	c := &Controller{
		source:  source,
		rebuild: rebuild,
		session: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the unique id of this watch session
func (c *Controller) Session() string {
	return c.session
}

// State returns the current state
func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Rebuilds returns the number of rebuilds started so far
func (c *Controller) Rebuilds() int {
	return int(atomic.LoadInt32(&c.rebuilds))
}

func (c *Controller) setState(logger *zerolog.Logger, state State) {
	old := State(atomic.SwapInt32(&c.state, int32(state)))
	if old != state {
		logger.Debug().Str("from", old.String()).Str("to", state.String()).Msg("watch state changed")
	}
}

// Run watches until ctx is cancelled or the source closes its channel. A running rebuild is allowed to
// finish before Run returns (see WithHardTimeout). Rebuild failures are logged and don't end the session.
func (c *Controller) Run(ctx context.Context) error {
	logger := buildsys.OuterLog(ctx).With().Str("session", c.session).Logger()
	ctx = buildsys.WithLogger(ctx, &logger)
	defer c.source.Close()

	// rebuilds must survive the stop signal, only the hard timeout may cancel them
	rebuildCtx, cancelRebuild := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRebuild()

	done := make(chan error, 1)
	rebuilding := false
	pending := false

	start := func(reason string, count int) {
		rebuilding = true
		atomic.AddInt32(&c.rebuilds, 1)
		c.setState(&logger, Rebuilding)
		logger.Info().Str("reason", reason).Int("changes", count).Msg("rebuilding")

		go func() {
			done <- c.rebuild(rebuildCtx)
		}()
	}

	finish := func(err error) {
		rebuilding = false
		if err != nil {
			logger.Error().Err(err).Str("task", buildsys.FailedTask(err)).Msg("rebuild failed, still watching")
		} else {
			logger.Info().Msg("rebuild finished")
		}
	}

	c.setState(&logger, Watching)
	logger.Info().Msg("watching for changes")

	if c.runOnStart {
		start("startup", 0)
	}

	events := c.source.Events()
	for {
		select {
		case <-ctx.Done():
			return c.stop(&logger, rebuilding, done, cancelRebuild, finish)
		case batch, ok := <-events:
			if !ok {
				return c.stop(&logger, rebuilding, done, cancelRebuild, finish)
			}

			if rebuilding {
				if !pending {
					logger.Debug().Int("changes", len(batch)).Msg("rebuild in progress, queued another one")
				}
				pending = true
				continue
			}
			start("change", len(batch))
		case err := <-done:
			finish(err)
			if pending {
				pending = false
				start("pending", 0)
			} else {
				c.setState(&logger, Watching)
			}
		}
	}
}

func (c *Controller) stop(logger *zerolog.Logger, rebuilding bool, done <-chan error, cancel context.CancelFunc, finish func(error)) error {
	if rebuilding {
		logger.Info().Msg("waiting for the running rebuild to finish")

		var timeout <-chan time.Time
		if c.hardTimeout > 0 {
			timer := time.NewTimer(c.hardTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case err := <-done:
			finish(err)
		case <-timeout:
			logger.Warn().Dur("timeout", c.hardTimeout).Msg("rebuild didn't finish in time, cancelling it")
			cancel()
			finish(<-done)
		}
	}

	c.setState(logger, Stopped)
	logger.Info().Int("rebuilds", c.Rebuilds()).Msg("stopped watching")
	return nil
}
