package retry

import (
	"context"
	"time"
)

// Scheduler runs delayed tasks for the asynchronous path.
type Scheduler interface {
	// Schedule runs task after d. The returned stop func cancels the task if
	// it has not started yet and reports whether it did so.
	Schedule(d time.Duration, task func()) (stop func() bool)
}

// TimerScheduler schedules tasks on runtime timers.
type TimerScheduler struct{}

// Schedule implements Scheduler.
func (TimerScheduler) Schedule(d time.Duration, task func()) func() bool {
	return time.AfterFunc(d, task).Stop
}

// Executor runs completion callbacks.
type Executor func(fn func())

// GoExecutor runs each callback on its own goroutine.
func GoExecutor(fn func()) {
	go fn()
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
