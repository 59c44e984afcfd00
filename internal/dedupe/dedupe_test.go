package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMarker struct {
	mu    sync.Mutex
	seen  map[string]bool
	err   error
	calls int
}

func (f *fakeMarker) MarkEvent(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func TestShouldProcess_SuppressesDuplicates(t *testing.T) {
	d, err := New(time.Minute, 10)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
	require.False(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
	require.True(t, d.ShouldProcess(ctx, "U1", "C1", "1.2"))
	require.True(t, d.ShouldProcess(ctx, "U2", "C1", "1.1"))
}

func TestShouldProcess_WindowExpiry(t *testing.T) {
	d, err := New(time.Minute, 10)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
	now = now.Add(59 * time.Second)
	require.False(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
	now = now.Add(2 * time.Minute)
	require.True(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
}

func TestShouldProcess_ConcurrentDeliveries(t *testing.T) {
	d, err := New(time.Minute, 10)
	require.NoError(t, err)

	var processed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldProcess(context.Background(), "U1", "C1", "1.1") {
				processed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), processed.Load())
}

func TestShouldProcess_SharedMarker(t *testing.T) {
	marker := &fakeMarker{}
	a, err := New(time.Minute, 10, WithMarker(marker))
	require.NoError(t, err)
	b, err := New(time.Minute, 10, WithMarker(marker))
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, a.ShouldProcess(ctx, "U1", "C1", "1.1"))
	require.False(t, b.ShouldProcess(ctx, "U1", "C1", "1.1"))
	require.Equal(t, 2, marker.calls)

	require.False(t, a.ShouldProcess(ctx, "U1", "C1", "1.1"))
	require.Equal(t, 2, marker.calls, "local hit must not reach the shared marker")
}

func TestShouldProcess_MarkerFailureFailsOpen(t *testing.T) {
	marker := &fakeMarker{err: errors.New("dynamo down")}
	d, err := New(time.Minute, 10, WithMarker(marker))
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
	require.False(t, d.ShouldProcess(ctx, "U1", "C1", "1.1"))
}

func TestKey(t *testing.T) {
	require.Equal(t, Key("U1", "C1", "1.1"), Key("U1", "C1", "1.1"))
	require.NotEqual(t, Key("U1", "C1", "1.1"), Key("U1C", "1", "1.1"))
	require.Len(t, Key("a", "b", "c"), 64)
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(0, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultWindow, d.window)
	require.Equal(t, 0, d.Len())
}
