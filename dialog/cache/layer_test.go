package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	l := NewLayer(Config{})

	l.Set(NSSession, "s1", "v1", 0)
	v, ok := l.Get(NSSession, "s1")
	require.True(t, ok)
	require.Equal(t, "v1", v)

	// Same key in a different namespace is a different entry.
	_, ok = l.Get(NSHistory, "s1")
	require.False(t, ok)

	l.Delete(NSSession, "s1")
	_, ok = l.Get(NSSession, "s1")
	require.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	l := NewLayer(Config{})

	l.Set(NSNLUResult, "k", "v", 30*time.Millisecond)
	_, ok := l.Get(NSNLUResult, "k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = l.Get(NSNLUResult, "k")
	require.False(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	l := NewLayer(Config{})

	l.Set(NSTemplate, "intent=book_flight:cancel", "a", 0)
	l.Set(NSTemplate, "intent=book_flight:prompt", "b", 0)
	l.Set(NSTemplate, "intent=book_train:cancel", "c", 0)

	removed := l.DeletePrefix(NSTemplate, "intent=book_flight")
	require.Equal(t, 2, removed)

	_, ok := l.Get(NSTemplate, "intent=book_train:cancel")
	require.True(t, ok)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	l := NewLayer(Config{})
	var builds atomic.Int32
	ready := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			v, err := l.GetOrCompute(context.Background(), NSIntentConfig, "bundle", 0, func(context.Context) (any, error) {
				builds.Add(1)
				time.Sleep(20 * time.Millisecond)
				return "snapshot", nil
			})
			require.NoError(t, err)
			require.Equal(t, "snapshot", v)
		}()
	}
	close(ready)
	wg.Wait()

	require.EqualValues(t, 1, builds.Load())
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	l := NewLayer(Config{})
	boom := errors.New("db down")
	calls := 0

	_, err := l.GetOrCompute(context.Background(), NSEntityDict, "all", 0, func(context.Context) (any, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := l.GetOrCompute(context.Background(), NSEntityDict, "all", 0, func(context.Context) (any, error) {
		calls++
		return "dict", nil
	})
	require.NoError(t, err)
	require.Equal(t, "dict", v)
	require.Equal(t, 2, calls)
}

func TestInvalidationIntentBumpsVersion(t *testing.T) {
	l := NewLayer(Config{})
	l.Set(NSIntentConfig, "all", "bundle", 0)
	l.Set(NSIntentConfig, "book_flight", "cfg", 0)
	l.Set(NSTemplate, "intent=book_flight:cancel", "tpl", 0)
	before := l.IntentSetVersion()

	l.ApplyInvalidation(InvalidationEvent{Table: "intent", Name: "book_flight"})

	_, ok := l.Get(NSIntentConfig, "all")
	require.False(t, ok)
	_, ok = l.Get(NSIntentConfig, "book_flight")
	require.False(t, ok)
	_, ok = l.Get(NSTemplate, "intent=book_flight:cancel")
	require.False(t, ok)
	require.Equal(t, before+1, l.IntentSetVersion())
}

func TestInvalidationUserPrefs(t *testing.T) {
	l := NewLayer(Config{})
	l.Set(NSUserPrefs, "7", "prefs", 0)
	before := l.IntentSetVersion()

	l.ApplyInvalidation(InvalidationEvent{Table: "user_prefs", Name: "7"})

	_, ok := l.Get(NSUserPrefs, "7")
	require.False(t, ok)
	require.Equal(t, before, l.IntentSetVersion())
}

func TestStatsCountHitsAndMisses(t *testing.T) {
	l := NewLayer(Config{})
	l.Set(NSSession, "s1", "v", 0)

	l.Get(NSSession, "s1")
	l.Get(NSSession, "s1")
	l.Get(NSSession, "missing")

	stats := l.GetStats()
	require.EqualValues(t, 2, stats.Hits[NSSession])
	require.EqualValues(t, 1, stats.Misses[NSSession])
	require.Equal(t, 1, stats.Size)
}

func TestCapacityEviction(t *testing.T) {
	l := NewLayer(Config{Capacity: 2})

	l.Set(NSSession, "a", 1, 0)
	l.Set(NSSession, "b", 2, 0)
	l.Get(NSSession, "a") // a is now most recently used
	l.Set(NSSession, "c", 3, 0)

	_, ok := l.Get(NSSession, "b")
	require.False(t, ok)
	_, ok = l.Get(NSSession, "a")
	require.True(t, ok)
}
