package utils

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by RunWithTimeout when the timer fires first.
var ErrTimeout = errors.New("operation timed out")

type raceResult[T any] struct {
	value T
	err   error
}

// RunWithTimeout races op against a timer and returns whichever settles first.
//
// When the timer wins, op's context is cancelled so the underlying call can abort
// if it honours cancellation, but the caller does not wait for it. A result that
// arrives later lands in a buffered channel nobody reads and is dropped.
// A non-positive timeout runs op without a timer.
func RunWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)

	done := make(chan raceResult[T], 1)
	go func() {
		value, err := op(opCtx)
		done <- raceResult[T]{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		cancel()
		return res.value, res.err
	case <-timer.C:
		cancel()
		return zero, ErrTimeout
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}
}
