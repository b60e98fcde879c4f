package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestDiscardsSupersededFetchResolvingLast(t *testing.T) {
	var l Latest[string]
	var mu sync.Mutex
	var applied []string
	apply := func(v string, err error) {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, v)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	oldCtx := make(chan context.Context, 1)
	oldDone := make(chan error, 1)
	go func() {
		oldDone <- l.Run(context.Background(), func(ctx context.Context) (string, error) {
			oldCtx <- ctx
			close(started)
			<-release
			return "old", nil
		}, apply)
	}()
	<-started

	require.NoError(t, l.Run(context.Background(), func(ctx context.Context) (string, error) {
		return "new", nil
	}, apply))

	ctx := <-oldCtx
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	close(release)
	select {
	case err := <-oldDone:
		assert.True(t, errors.Is(err, ErrStaleRequest))
	case <-time.After(2 * time.Second):
		t.Fatal("stale fetch never returned")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, applied)
}

func TestLatestCancelMarksInFlightStale(t *testing.T) {
	var l Latest[int]
	called := false
	err := l.Run(context.Background(), func(ctx context.Context) (int, error) {
		l.Cancel()
		return 1, ctx.Err()
	}, func(int, error) { called = true })
	assert.True(t, errors.Is(err, ErrStaleRequest))
	assert.False(t, called)
}

func TestLatestPassesFetchErrorsToApply(t *testing.T) {
	var l Latest[int]
	boom := errors.New("boom")
	var got error
	err := l.Run(context.Background(), func(ctx context.Context) (int, error) { return 0, boom }, func(_ int, err error) { got = err })
	assert.Equal(t, boom, err)
	assert.Equal(t, boom, got)
}

func TestLatestDoneContextLeavesInFlightFetchAlone(t *testing.T) {
	var l Latest[string]
	var applied []string
	started := make(chan struct{})
	release := make(chan struct{})
	inflight := make(chan error, 1)
	go func() {
		inflight <- l.Run(context.Background(), func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "current", ctx.Err()
		}, func(v string, _ error) { applied = append(applied, v) })
	}()
	<-started

	done, cancel := context.WithCancel(context.Background())
	cancel()
	fetched := false
	err := l.Run(done, func(context.Context) (string, error) {
		fetched = true
		return "late", nil
	}, func(v string, _ error) { applied = append(applied, v) })
	assert.True(t, errors.Is(err, ErrStaleRequest))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, fetched)

	close(release)
	select {
	case err := <-inflight:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch in flight never returned")
	}
	assert.Equal(t, []string{"current"}, applied)
}
