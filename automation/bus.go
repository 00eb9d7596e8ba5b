package automation

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Publisher is the write side of the event bus. The scheduler and the
// collaborator services enqueue follow-up events here rather than
// calling the matcher in-process, which keeps the feedback loop
// (SEQUENCE_COMPLETED, reply classification) bounded and observable.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// EventBus delivers events at-least-once to a single consumer loop.
// The guard's per-subject dedup is what makes re-delivery safe.
type EventBus interface {
	Publisher
	// Receive blocks until an event is available or ctx is done.
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// ErrBusClosed is returned once the bus has shut down.
var ErrBusClosed = errors.New("event bus closed")

// ChannelBus is the in-process bus for single-node deployments.
type ChannelBus struct {
	ch     chan Event
	logger *logrus.Entry
}

func NewChannelBus(size int, logger *logrus.Entry) *ChannelBus {
	if size <= 0 {
		size = 1024
	}
	return &ChannelBus{
		ch:     make(chan Event, size),
		logger: logger,
	}
}

func (b *ChannelBus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBus) Receive(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-b.ch:
		if !ok {
			return Event{}, ErrBusClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (b *ChannelBus) Close() error {
	close(b.ch)
	return nil
}
