package watch

import (
	"sync"
	"time"

	"github.com/cortesi/moddwatch"
	"github.com/rotisserie/eris"
)

type moddSource struct {
	watcher *moddwatch.Watcher
	events  chan []string
	done    chan struct{}
	once    sync.Once
}

// NewModdSource watches root for changes to files matching the include patterns (relative to root,
// supporting ** and {a,b}). Changes are collected until no new change arrived for lull.
func NewModdSource(root string, includes, excludes []string, lull time.Duration) (Source, error) {
	raw := make(chan *moddwatch.Mod, 1)
	watcher, err := moddwatch.Watch(root, includes, excludes, lull, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to watch %s", root)
	}

	s := &moddSource{
		watcher: watcher,
		events:  make(chan []string),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.events)
		for {
			select {
			case <-s.done:
				return
			case mod, ok := <-raw:
				if !ok {
					return
				}
				if mod == nil || mod.Empty() {
					continue
				}

				select {
				case s.events <- mod.All():
				case <-s.done:
					return
				}
			}
		}
	}()

	return s, nil
}

func (s *moddSource) Events() <-chan []string {
	return s.events
}

func (s *moddSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.watcher.Stop()
	})
	return nil
}

// ChanSource turns a plain channel into a Source. Closing the channel stops the controller.
type ChanSource chan []string

func (s ChanSource) Events() <-chan []string {
	return s
}

func (s ChanSource) Close() error {
	return nil
}
