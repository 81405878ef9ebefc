package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/caresync/internal/status"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingInvalidator records every invalidated resource.
type countingInvalidator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (i *countingInvalidator) invalidate(_ context.Context, resource string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, resource)
	return i.err
}

func (i *countingInvalidator) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.calls)
}

func (i *countingInvalidator) all() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.calls...)
}

func newTestCoordinator(inv Invalidator) *Coordinator {
	return New(inv, Config{
		Resources:    []string{"user_profile", "medical_records"},
		PollEnabled:  true,
		PollInterval: 10 * time.Second,
	}, testLogger)
}

// --- polling ---

func TestPolling_StartsWhenDegraded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &countingInvalidator{}
		c := newTestCoordinator(inv.invalidate)
		defer c.Close()

		c.OnStatus(status.Reconnecting)
		time.Sleep(10 * time.Second)
		synctest.Wait()

		// One full pass over both resources per interval.
		assert.Equal(t, 2, inv.count())
		assert.Equal(t, []string{"user_profile", "medical_records"}, inv.all())

		time.Sleep(10 * time.Second)
		synctest.Wait()
		assert.Equal(t, 4, inv.count())
	})
}

func TestPolling_StopsOnRecovery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &countingInvalidator{}
		c := newTestCoordinator(inv.invalidate)
		defer c.Close()

		c.OnStatus(status.Reconnecting)
		time.Sleep(10 * time.Second)
		synctest.Wait()
		require.Equal(t, 2, inv.count())

		c.OnStatus(status.Connected)
		time.Sleep(30 * time.Second)
		synctest.Wait()

		assert.Equal(t, 2, inv.count(), "poll loop kept running after recovery")
	})
}

func TestPolling_DisabledByPolicy(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &countingInvalidator{}
		c := New(inv.invalidate, Config{
			Resources:    []string{"user_profile"},
			PollEnabled:  false,
			PollInterval: 10 * time.Second,
		}, testLogger)
		defer c.Close()

		c.OnStatus(status.Error)
		time.Sleep(30 * time.Second)
		synctest.Wait()

		assert.Zero(t, inv.count())
	})
}

func TestSetPolling_TogglesAndRestartsLoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &countingInvalidator{}
		c := newTestCoordinator(inv.invalidate)
		defer c.Close()

		c.OnStatus(status.Reconnecting)
		c.SetPolling(false, 0)
		time.Sleep(30 * time.Second)
		synctest.Wait()
		require.Zero(t, inv.count())

		c.SetPolling(true, 5*time.Second)
		time.Sleep(5 * time.Second)
		synctest.Wait()
		assert.Equal(t, 2, inv.count())
		assert.Equal(t, 5*time.Second, c.State().PollInterval)
	})
}

// --- refresh ---

func TestRefreshNow_Coalesced(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{}, 1)
		var calls int
		var mu sync.Mutex
		c := New(func(context.Context, string) error {
			mu.Lock()
			calls++
			mu.Unlock()
			started <- struct{}{}
			<-release
			return nil
		}, Config{Resources: []string{"user_profile"}}, testLogger)
		defer c.Close()

		errc := make(chan error, 1)
		go func() { errc <- c.RefreshNow(t.Context()) }()
		<-started

		// Second refresh while the first is in flight is a no-op.
		require.NoError(t, c.RefreshNow(t.Context()))
		mu.Lock()
		assert.Equal(t, 1, calls)
		mu.Unlock()

		close(release)
		require.NoError(t, <-errc)
	})
}

func TestRefreshNow_ReportsFailure(t *testing.T) {
	inv := &countingInvalidator{err: errors.New("service unavailable")}
	c := newTestCoordinator(inv.invalidate)
	defer c.Close()

	err := c.RefreshNow(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_profile")
	assert.True(t, c.State().LastSyncedAt.IsZero(), "failed refresh must not advance the sync mark")
}

func TestRefreshNow_AdvancesSyncMark(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &countingInvalidator{}
		c := newTestCoordinator(inv.invalidate)
		defer c.Close()

		require.NoError(t, c.RefreshNow(t.Context()))
		assert.Equal(t, time.Now(), c.State().LastSyncedAt)
	})
}

func TestMarkSynced_Monotonic(t *testing.T) {
	c := newTestCoordinator(func(context.Context, string) error { return nil })
	defer c.Close()

	later := time.Now()
	earlier := later.Add(-time.Minute)

	c.MarkSynced(later)
	c.MarkSynced(earlier)

	assert.Equal(t, later, c.State().LastSyncedAt)
}

func TestClose_StopsPolling(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &countingInvalidator{}
		c := newTestCoordinator(inv.invalidate)

		c.OnStatus(status.Reconnecting)
		c.Close()
		time.Sleep(time.Minute)
		synctest.Wait()

		assert.Zero(t, inv.count())
		require.NoError(t, c.RefreshNow(t.Context()), "refresh after close is a silent no-op")
		assert.Zero(t, inv.count())
	})
}
