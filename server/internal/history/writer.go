// Package history records alert events to external sinks: the alert_history
// Postgres table, a Kafka topic and chat/HTTP webhooks.
//
// Recording is asynchronous. The gateway hands each event to Writer.Enqueue,
// which never blocks; a background worker fans the event out to every
// configured Recorder. Persistence is at-most-once and independent of live
// delivery: a failed write is logged and counted, never retried, and never
// delays fan-out.
package history

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/metrics"
)

// ErrQueueFull is returned by Enqueue when the worker has fallen behind.
var ErrQueueFull = errors.New("history: queue full")

const (
	recordTimeout = 10 * time.Second
	drainTimeout  = 5 * time.Second
)

// Recorder persists one alert event.
type Recorder interface {
	Name() string
	Record(ctx context.Context, ev types.AlertEvent) error
}

// Writer queues alert events and writes them to every Recorder from a single
// background worker, preserving emission order per sink.
type Writer struct {
	recorders []Recorder
	queue     chan types.AlertEvent

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter creates a Writer with a queue of size events.
func NewWriter(size int, recorders ...Recorder) *Writer {
	if size <= 0 {
		size = 1
	}
	return &Writer{
		recorders: recorders,
		queue:     make(chan types.AlertEvent, size),
	}
}

// Enqueue schedules ev for recording without blocking.
func (w *Writer) Enqueue(ev types.AlertEvent) error {
	if len(w.recorders) == 0 {
		return nil
	}
	select {
	case w.queue <- ev:
		return nil
	default:
		metrics.HistoryQueueDropped.Inc()
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// with a short deadline.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case ev := <-w.queue:
			w.write(ctx, ev)
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-w.queue:
			w.write(ctx, ev)
		default:
			return
		}
	}
}

// write records ev to every sink. A panicking sink is recovered so the
// worker keeps running.
func (w *Writer) write(ctx context.Context, ev types.AlertEvent) {
	for _, r := range w.recorders {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("history: recorder panicked",
						"backend", r.Name(), "event", ev.ID, "panic", rec, "stack", string(debug.Stack()))
					metrics.PanicsRecovered.WithLabelValues("history").Inc()
					metrics.HistoryWriteFailures.WithLabelValues(r.Name()).Inc()
					w.failed.Add(1)
				}
			}()

			rctx, cancel := context.WithTimeout(ctx, recordTimeout)
			defer cancel()
			if err := r.Record(rctx, ev); err != nil {
				slog.Error("history: record failed",
					"backend", r.Name(), "event", ev.ID, "rule", ev.RuleID, "kind", ev.Kind, "err", err)
				metrics.HistoryWriteFailures.WithLabelValues(r.Name()).Inc()
				w.failed.Add(1)
				return
			}
			w.written.Add(1)
		}()
	}
}

// Stats holds writer counters.
type Stats struct {
	Written uint64
	Failed  uint64
	Queued  int
}

// Stats returns the writer's counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.queue),
	}
}
