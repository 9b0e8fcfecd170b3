// Package notify delivers post-commit change events to the downstream
// indexing interface. Delivery is fire-and-forget: a slow or failing
// consumer never blocks or fails extraction.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nucleus/prsync-core/internal/model"
)

// Handler consumes change events. Implementations belong to the indexing
// subsystem; this package only ships events across the boundary.
type Handler interface {
	NotifyChanged(ctx context.Context, ev model.ChangeEvent) error
}

// Dispatcher fans events into a buffered channel drained by a single
// worker goroutine. When the buffer is full the event is dropped and
// logged; downstream consumers reconcile on their own schedule.
type Dispatcher struct {
	handler Handler
	events  chan model.ChangeEvent
	logger  *slog.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	dropped   int
	delivered int
}

// NewDispatcher starts the worker. buffer bounds how many undelivered
// events may be pending before drops begin.
func NewDispatcher(handler Handler, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handler: handler,
		events:  make(chan model.ChangeEvent, buffer),
		logger:  logger.With("component", "notify"),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues one event without blocking.
func (d *Dispatcher) Publish(ev model.ChangeEvent) {
	select {
	case d.events <- ev:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn("change event dropped, buffer full",
			"entity", ev.EntityKind, "op", string(ev.Op), "external_id", ev.Record.ExternalID)
	}
}

// Close stops accepting events and drains what is already queued.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.events)
		<-d.done
	})
}

// Stats reports delivered and dropped counts.
func (d *Dispatcher) Stats() (delivered, dropped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, d.dropped
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.handler.NotifyChanged(ctx, ev)
		cancel()
		if err != nil {
			d.logger.Warn("change notification failed",
				"entity", ev.EntityKind, "op", string(ev.Op),
				"external_id", ev.Record.ExternalID, "error", err)
			continue
		}
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}
}

// LogHandler is the default consumer: it records each event and does
// nothing else. Useful until a real indexer is attached.
type LogHandler struct {
	Logger *slog.Logger
}

func (h *LogHandler) NotifyChanged(_ context.Context, ev model.ChangeEvent) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("entity changed",
		"entity", ev.EntityKind, "op", string(ev.Op), "external_id", ev.Record.ExternalID)
	return nil
}
