// Package collect drives the sampler on a fixed interval and hands each
// snapshot to the transport.
//
// Overlap policy: each tick runs in its own goroutine, and a tick that fires
// while the previous collection is still running is skipped and counted. A
// slow sampler therefore lowers the effective rate instead of queueing work.
package collect

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
)

// Sampler reads the current metric values.
type Sampler interface {
	Sample(ctx context.Context) (types.MetricTree, error)
}

// Sender accepts snapshots for delivery. Send must not block.
type Sender interface {
	Send(snap types.Snapshot)
}

// Loop samples every interval and forwards the result.
type Loop struct {
	sourceID string
	interval time.Duration
	sampler  Sampler
	out      Sender
	now      func() time.Time

	running   sync.Mutex
	wg        sync.WaitGroup
	collected atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Loop for sourceID.
func New(sourceID string, interval time.Duration, s Sampler, out Sender) *Loop {
	return &Loop{
		sourceID: sourceID,
		interval: interval,
		sampler:  s,
		out:      out,
		now:      time.Now,
	}
}

// Run collects once immediately and then on every tick until ctx is
// cancelled. It waits for an in-flight collection before returning.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer l.wg.Wait()

	l.spawn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.spawn(ctx)
		}
	}
}

func (l *Loop) spawn(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.tick(ctx)
	}()
}

// tick runs one collection unless another is still in progress. It reports
// whether a collection ran.
func (l *Loop) tick(ctx context.Context) bool {
	if !l.running.TryLock() {
		n := l.skipped.Add(1)
		slog.Warn("collect: previous collection still running, skipping tick",
			"source", l.sourceID, "skipped_total", n)
		return false
	}
	defer l.running.Unlock()

	start := l.now()
	tree, err := l.sampler.Sample(ctx)
	if err != nil {
		l.failed.Add(1)
		slog.Warn("collect: sample failed", "source", l.sourceID, "err", err)
		return true
	}

	l.out.Send(types.Snapshot{
		SourceID:      l.sourceID,
		CollectedAtMs: start.UnixMilli(),
		Metrics:       tree,
	})
	l.collected.Add(1)
	slog.Debug("collect: snapshot queued", "source", l.sourceID, "took", l.now().Sub(start))
	return true
}

// Stats holds loop counters.
type Stats struct {
	Collected uint64
	Skipped   uint64
	Failed    uint64
}

// Stats returns the loop's counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Collected: l.collected.Load(),
		Skipped:   l.skipped.Load(),
		Failed:    l.failed.Load(),
	}
}
