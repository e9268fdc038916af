package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/dialogerr"
)

func TestKeyedLockSerializesSameKey(t *testing.T) {
	k := newKeyedLocks(4)

	release, err := k.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := k.Acquire(context.Background(), "s1")
		require.NoError(t, err)
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestKeyedLockDifferentKeysDoNotBlock(t *testing.T) {
	k := newKeyedLocks(4)

	r1, err := k.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	r2, err := k.Acquire(context.Background(), "s2")
	require.NoError(t, err)
	r1()
	r2()
}

func TestKeyedLockBusyBeyondDepth(t *testing.T) {
	k := newKeyedLocks(1)

	release, err := k.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	queued := make(chan struct{})
	go func() {
		defer wg.Done()
		close(queued)
		r, err := k.Acquire(context.Background(), "s1")
		require.NoError(t, err)
		r()
	}()
	<-queued
	time.Sleep(20 * time.Millisecond) // let the goroutine enter the wait

	_, err = k.Acquire(context.Background(), "s1")
	require.Error(t, err)
	require.Equal(t, dialogerr.KindSessionBusy, dialogerr.KindOf(err))

	release()
	wg.Wait()
}

func TestKeyedLockWaitCancellation(t *testing.T) {
	k := newKeyedLocks(4)

	release, err := k.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "s1")
	require.Error(t, err)
	require.Equal(t, dialogerr.KindSessionBusy, dialogerr.KindOf(err))
}

func TestKeyedLockEvictsIdleEntries(t *testing.T) {
	k := newKeyedLocks(4)

	r1, err := k.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	r1()

	k.mu.Lock()
	defer k.mu.Unlock()
	require.Empty(t, k.locks)
}
