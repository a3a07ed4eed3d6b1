package concurrent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jabolina/go-roam/pkg/roam/helper"
	"go.uber.org/goleak"
)

func TestScheduler(t *testing.T) {
	defer goleak.VerifyNone(t)
	scheduler := NewScheduler()
	defer scheduler.Stop()

	next := 0
	jobCreator := func(i int) Job {
		return func(ctx context.Context) {
			if next != i {
				t.Errorf("job#%d: got %d, want %d", i, next, i)
			}
			next = i + 1
		}
	}

	var jobs []Job
	for i := 0; i < 100; i++ {
		jobs = append(jobs, jobCreator(i))
	}

	for _, j := range jobs {
		scheduler.Schedule(j)
	}

	if !helper.WaitThisOrTimeout(func() { scheduler.Wait(100) }, time.Second) {
		t.Fatalf("jobs not completed in time")
	}
	if scheduler.Pending() != 0 {
		t.Errorf("scheduled = %d, want 0", scheduler.Pending())
	}
}

func TestScheduler_Drain(t *testing.T) {
	defer goleak.VerifyNone(t)
	scheduler := NewScheduler()
	defer scheduler.Stop()

	var executed int32
	release := make(chan struct{})
	scheduler.Schedule(func(ctx context.Context) {
		<-release
		atomic.AddInt32(&executed, 1)
	})
	scheduler.Schedule(func(ctx context.Context) {
		atomic.AddInt32(&executed, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err := scheduler.Drain(ctx)
	cancel()
	if err == nil {
		t.Fatalf("drained with a blocked job")
	}

	close(release)
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := scheduler.Drain(ctx); err != nil {
		t.Fatalf("failed draining. %v", err)
	}

	if v := atomic.LoadInt32(&executed); v != 2 {
		t.Fatalf("expected 2 jobs executed, found %d", v)
	}
}

func TestScheduler_StopCancelsPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	scheduler := NewScheduler()

	started := make(chan struct{})
	var cancelled int32
	scheduler.Schedule(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		atomic.AddInt32(&cancelled, 1)
	})
	for i := 0; i < 5; i++ {
		scheduler.Schedule(func(ctx context.Context) {
			if ctx.Err() != nil {
				atomic.AddInt32(&cancelled, 1)
			}
		})
	}

	<-started
	if !helper.WaitThisOrTimeout(scheduler.Stop, time.Second) {
		t.Fatalf("scheduler did not stop")
	}
	if v := atomic.LoadInt32(&cancelled); v != 6 {
		t.Fatalf("expected 6 cancelled jobs, found %d", v)
	}

	// Dropped after stopping.
	scheduler.Schedule(func(ctx context.Context) {
		t.Errorf("job executed after stop")
	})
	scheduler.Stop()
}
