package concurrent

import (
	"context"
	"sync"
)

// An issued job to be executed
type Job func(ctx context.Context)

// Scheduler executes jobs one at a time in the order they were
// scheduled. This is the size-1 pipeline used when the next item
// can only be handled after the previous one finished, e.g. a client
// only sends the next chat after the server acknowledged the last one.
type Scheduler interface {
	// Schedule a job for execution.
	Schedule(Job)

	// How many jobs are pending, including the one running.
	Pending() int

	// Wait up to the number of given jobs to be completed.
	Wait(int)

	// Drain blocks until no job is pending or the context is done.
	Drain(ctx context.Context) error

	// Stop the scheduler.
	Stop()
}

type fifo struct {
	mutex sync.Mutex

	ch        chan struct{}
	completed int
	pending   []Job

	// Closed and replaced every time a job completes.
	changed chan struct{}

	ctx         context.Context
	cancellable context.CancelFunc

	finishes *sync.Cond
	close    chan struct{}
}

func NewScheduler() Scheduler {
	s := &fifo{
		ch:      make(chan struct{}, 1),
		close:   make(chan struct{}),
		changed: make(chan struct{}),
	}

	s.finishes = sync.NewCond(&s.mutex)
	s.ctx, s.cancellable = context.WithCancel(context.Background())
	go s.forever()
	return s
}

// Schedule the job to be executed sometime in the future.
// Jobs scheduled after Stop are dropped.
func (s *fifo) Schedule(j Job) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancellable == nil {
		return
	}

	if len(s.pending) == 0 {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
	s.pending = append(s.pending, j)
}

// How many jobs are still pending.
func (s *fifo) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.pending)
}

// Wait up to n jobs to finishes before returning.
func (s *fifo) Wait(how int) {
	s.finishes.L.Lock()
	defer s.finishes.L.Unlock()

	for s.completed < how || len(s.pending) != 0 {
		s.finishes.Wait()
	}
}

func (s *fifo) Drain(ctx context.Context) error {
	for {
		s.mutex.Lock()
		if len(s.pending) == 0 {
			s.mutex.Unlock()
			return nil
		}
		changed := s.changed
		s.mutex.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop the current Scheduler. Jobs still pending are executed
// with an already cancelled context so they can give up early.
func (s *fifo) Stop() {
	s.mutex.Lock()
	if s.cancellable == nil {
		s.mutex.Unlock()
		return
	}
	s.cancellable()
	s.cancellable = nil
	s.mutex.Unlock()
	<-s.close
}

// Keeps polling the scheduled jobs for execution forever
func (s *fifo) forever() {
	defer close(s.close)

	for {
		var job Job
		s.mutex.Lock()
		if len(s.pending) != 0 {
			job = s.pending[0]
		}
		s.mutex.Unlock()

		if job == nil {
			select {
			case <-s.ch:
			case <-s.ctx.Done():
				s.mutex.Lock()
				jobs := s.pending
				s.pending = nil
				s.mutex.Unlock()
				for _, job := range jobs {
					job(s.ctx)
				}
				s.finishes.L.Lock()
				close(s.changed)
				s.changed = make(chan struct{})
				s.finishes.Broadcast()
				s.finishes.L.Unlock()
				return
			}
		} else {
			job(s.ctx)
			s.finishes.L.Lock()
			s.completed++
			s.pending = s.pending[1:]
			close(s.changed)
			s.changed = make(chan struct{})
			s.finishes.Broadcast()
			s.finishes.L.Unlock()
		}
	}
}
