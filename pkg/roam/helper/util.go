package helper

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Generates a random 128-bit UUID as string.
func GenerateUID() string {
	return uuid.NewString()
}

// Return the greatest value in a uint64 slice.
func MaxValue(values ...uint64) uint64 {
	var value uint64
	for _, v := range values {
		if v > value {
			value = v
		}
	}
	return value
}

// Sleep for the given duration or until the context is done.
// Returns false if the context finished first.
func SleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Runs the callback and waits up to the duration for it to finish.
// Returns false if the callback is still running, it is not stopped.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
