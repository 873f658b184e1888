package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/talkbank/ba2-server/internal/logger"
)

var ErrSchedulerClosed = errors.New("scheduler is shut down")

// Scheduler hands a persisted job to an executor without waiting for it.
type Scheduler interface {
	Schedule(ctx context.Context, id, command, lang string) error
	Shutdown(ctx context.Context) error
}

// LocalScheduler runs every job in its own goroutine in this process. With a
// positive limit, jobs beyond it wait on a semaphore inside their goroutine,
// so Schedule still returns immediately.
type LocalScheduler struct {
	exec *Executor
	sem  *semaphore.Weighted
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewLocalScheduler(exec *Executor, maxConcurrency int, log zerolog.Logger) *LocalScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &LocalScheduler{
		exec:   exec,
		log:    log.With().Str("component", "local_scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	if maxConcurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConcurrency))
	}
	return s
}

// Schedule starts the job in the background. The request context only guards
// the hand-off; the job itself runs under the scheduler's lifetime. After
// Shutdown the job is recorded as failed instead.
func (s *LocalScheduler) Schedule(ctx context.Context, id, command, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = s.exec.Fail(ctx, id, "rejected: server is shutting down")
		return ErrSchedulerClosed
	}

	s.wg.Add(1)
	go s.run(id, command, lang)
	return nil
}

func (s *LocalScheduler) run(id, command, lang string) {
	defer s.wg.Done()

	if s.sem != nil {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			// Shut down before the job got a slot.
			_ = s.exec.Fail(s.ctx, id, "interrupted: server shut down before the job started")
			return
		}
		defer s.sem.Release(1)
	}

	if err := s.exec.Run(s.ctx, id, command, lang); err != nil {
		log := logger.WithJobID(s.log, id)
		log.Error().Err(err).Msg("job ended without a recorded outcome")
	}
}

// Wait blocks until every scheduled job has finished.
func (s *LocalScheduler) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are canceled and record an interruption failure.
func (s *LocalScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown deadline reached, canceling running jobs")
		s.cancel()
		<-done
		return ctx.Err()
	}
}
