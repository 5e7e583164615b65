package collect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servwatch/servwatch/pkg/types"
)

type fakeSampler struct {
	block   chan struct{} // when non-nil, Sample waits for it
	entered chan struct{} // when non-nil, signalled as Sample starts
	err     error
}

func (f *fakeSampler) Sample(ctx context.Context) (types.MetricTree, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return types.MetricTree{"cpu": map[string]any{"usage": 12.5}}, nil
}

type fakeSender struct {
	mu    sync.Mutex
	snaps []types.Snapshot
}

func (f *fakeSender) Send(s types.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, s)
}

func (f *fakeSender) sent() []types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Snapshot(nil), f.snaps...)
}

func TestTick_SendsSnapshot(t *testing.T) {
	out := &fakeSender{}
	l := New("web-1", time.Second, &fakeSampler{}, out)
	at := time.UnixMilli(1_700_000_000_123)
	l.now = func() time.Time { return at }

	require.True(t, l.tick(context.Background()))

	snaps := out.sent()
	require.Len(t, snaps, 1)
	assert.Equal(t, "web-1", snaps[0].SourceID)
	assert.Equal(t, int64(1_700_000_000_123), snaps[0].CollectedAtMs)
	v, err := types.MustParsePath("cpu.usage").Lookup(snaps[0].Metrics)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)
	assert.Equal(t, uint64(1), l.Stats().Collected)
}

func TestTick_SampleFailureSendsNothing(t *testing.T) {
	out := &fakeSender{}
	l := New("web-1", time.Second, &fakeSampler{err: errors.New("scrape timeout")}, out)

	l.tick(context.Background())

	assert.Empty(t, out.sent())
	assert.Equal(t, uint64(1), l.Stats().Failed)
}

func TestTick_SkipsWhileCollectionInProgress(t *testing.T) {
	s := &fakeSampler{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	out := &fakeSender{}
	l := New("web-1", time.Second, s, out)

	done := make(chan bool)
	go func() { done <- l.tick(context.Background()) }()
	<-s.entered

	assert.False(t, l.tick(context.Background()), "overlapping tick should be skipped")
	assert.False(t, l.tick(context.Background()), "overlapping tick should be skipped")

	close(s.block)
	assert.True(t, <-done)

	st := l.Stats()
	assert.Equal(t, uint64(2), st.Skipped)
	assert.Equal(t, uint64(1), st.Collected)
	assert.Len(t, out.sent(), 1)
}

func TestRun_CollectsOnEveryTick(t *testing.T) {
	out := &fakeSender{}
	l := New("web-1", 10*time.Millisecond, &fakeSampler{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(out.sent()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestRun_SlowSamplerSkipsTicks(t *testing.T) {
	s := &fakeSampler{block: make(chan struct{})}
	l := New("web-1", 5*time.Millisecond, s, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return l.Stats().Skipped >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, uint64(0), l.Stats().Collected)
}
