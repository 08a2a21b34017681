package flarebypass

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReliableCallFast(t *testing.T) {
	var calls atomic.Int32
	v, err := ReliableCall(context.Background(), time.Second, func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReliableCallForkWins(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	v, err := ReliableCall(context.Background(), 20*time.Millisecond, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			// The primary hangs until it is cancelled.
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "fork", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fork", v)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestReliableCallCancelsLosers(t *testing.T) {
	cancelled := make(chan struct{})
	var calls atomic.Int32
	_, err := ReliableCall(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			close(cancelled)
			return 0, ctx.Err()
		}
		return 1, nil
	})
	require.NoError(t, err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("hung invocation was not cancelled")
	}
}

func TestReliableCallStaleRetry(t *testing.T) {
	var calls atomic.Int32
	v, err := ReliableCall(context.Background(), time.Second, func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, NewDriverTransientError("title", errors.New("node detached"))
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReliableCallStaleExhausted(t *testing.T) {
	var calls atomic.Int32
	_, err := ReliableCall(context.Background(), time.Second, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, NewDriverTransientError("title", nil)
	})

	assert.ErrorIs(t, err, ErrStaleSession)
	assert.Equal(t, int32(staleRetryAttempts), calls.Load())
}

func TestReliableCallPrimaryError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	_, err := ReliableCall(context.Background(), 50*time.Millisecond, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	// A fast failure does not start any fork.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReliableCallAllFail(t *testing.T) {
	primaryErr := errors.New("primary")
	var calls atomic.Int32
	_, err := ReliableCall(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			// Outlive the fork start, then fail.
			time.Sleep(30 * time.Millisecond)
			return 0, primaryErr
		}
		return 0, errors.New("fork")
	})

	assert.ErrorIs(t, err, primaryErr)
}

func TestReliableCallContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := ReliableCall(ctx, time.Hour, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReliableCallNoStep(t *testing.T) {
	var calls atomic.Int32
	v, err := ReliableCall(context.Background(), 0, func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, NewDriverTransientError("dom", nil)
		}
		return 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReliableDriverClick(t *testing.T) {
	d := newFakeDriver("Just a moment...")
	d.hang = true

	// Without reliable clicks a hung click is not duplicated.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewReliableDriver(d, 10*time.Millisecond, false).Click(ctx, image.Pt(1, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.mu.Lock()
	d.hang = false
	d.mu.Unlock()

	rd := NewReliableDriver(d, 10*time.Millisecond, true)
	require.NoError(t, rd.Click(context.Background(), image.Pt(3, 4)))
	assert.Equal(t, []image.Point{{X: 3, Y: 4}}, d.clicks)

	title, ok, err := rd.Title(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Just a moment...", title)

	require.NoError(t, rd.Close())
	assert.Equal(t, 1, d.closeCount())
}
