package automation

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Engine runs a pool of stateless workers draining the event bus into
// the matcher. Events for different subjects are processed concurrently;
// the guard's persisted check-and-set keeps same-subject races safe.
type Engine struct {
	Bus     EventBus
	Matcher *Matcher
	Workers int
	Logger  *logrus.Entry
}

func NewEngine(bus EventBus, matcher *Matcher, workers int, logger *logrus.Entry) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		Bus:     bus,
		Matcher: matcher,
		Workers: workers,
		Logger:  logger,
	}
}

// Start blocks until ctx is cancelled and all workers have drained.
func (e *Engine) Start(ctx context.Context) {
	e.Logger.WithField("workers", e.Workers).Info("Automation engine started")

	var wg sync.WaitGroup
	for i := 0; i < e.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.run(ctx)
		}()
	}
	wg.Wait()
	e.Logger.Info("Automation engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	for {
		ev, err := e.Bus.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrBusClosed) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			e.Logger.WithError(err).Error("Event receive failed")
			continue
		}
		e.Matcher.HandleEvent(ctx, ev)
	}
}
