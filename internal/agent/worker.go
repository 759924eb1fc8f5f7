package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xPuncker/undertaker/internal/activator"
	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	// PollTick is how often an idle worker re-checks its stop flag.
	PollTick = 200 * time.Millisecond
	// IdleCeiling is the longest a worker sleeps after an empty poll.
	IdleCeiling = 5 * time.Second
)

// Notifier is told about every job a worker finishes.
type Notifier interface {
	JobFinished(job storage.Job, status types.Status, elapsed time.Duration, err error)
}

type workerState int

const (
	workerCreated workerState = iota
	workerRunning
	workerStopped
)

// Worker runs one polling loop against a store on its own goroutine.
// A worker can be started once.
type Worker struct {
	id        int
	store     storage.Store
	activator activator.Activator
	notifier  Notifier
	logger    *logrus.Logger

	tick        time.Duration
	idleCeiling time.Duration

	mu     sync.Mutex
	state  workerState
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(id int, store storage.Store, act activator.Activator, notifier Notifier, logger *logrus.Logger) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store", ErrNullArgument)
	}
	if act == nil {
		return nil, fmt.Errorf("%w: activator", ErrNullArgument)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Worker{
		id:          id,
		store:       store,
		activator:   act,
		notifier:    notifier,
		logger:      logger,
		tick:        PollTick,
		idleCeiling: IdleCeiling,
	}, nil
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case workerRunning:
		return ErrWorkerRunning
	case workerStopped:
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.state = workerRunning
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)

	w.logger.WithField("worker", w.id).Debug("Worker started")
	return nil
}

// Stop asks the loop to exit at its next check. With wait set it also
// cancels the running job's context and blocks until the loop is gone.
func (w *Worker) Stop(wait bool) {
	w.mu.Lock()
	w.state = workerStopped
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if !wait || done == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether the loop goroutine is still alive.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (w *Worker) stopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != workerRunning
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.logger.WithField("worker", w.id).Debug("Worker stopped")

	for {
		if w.stopping() {
			return
		}

		job, claim, err := w.store.ClaimNextJob(ctx)
		switch {
		case errors.Is(err, storage.ErrDisposed):
			w.logger.WithField("worker", w.id).Warn("Job store disposed, stopping worker")
			w.mu.Lock()
			w.state = workerStopped
			w.mu.Unlock()
			return
		case err != nil:
			w.logger.WithError(err).WithField("worker", w.id).Error("Failed to poll for next job")
		case job != nil:
			w.execute(ctx, job, claim)
			continue
		}

		if !w.idle(ctx) {
			return
		}
	}
}

// idle sleeps in ticks up to the idle ceiling and reports whether the
// loop should keep going.
func (w *Worker) idle(ctx context.Context) bool {
	for slept := time.Duration(0); slept < w.idleCeiling; slept += w.tick {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.tick):
		}
		if w.stopping() {
			return false
		}
	}
	return true
}

func (w *Worker) execute(ctx context.Context, job storage.Job, claim uint64) {
	entry := w.logger.WithFields(logrus.Fields{
		"worker":   w.id,
		"job_id":   job.ID(),
		"job_name": job.Name(),
		"work":     job.Work().String(),
		"claim":    claim,
	})
	entry.Debug("Executing job")

	start := time.Now()
	err := w.run(ctx, job)
	elapsed := time.Since(start)

	status := types.StatusCompleted
	if err != nil {
		status = types.StatusError
		entry.WithError(err).Error("Job failed")
	} else {
		entry.WithField("elapsed", elapsed).Info("Job completed")
	}

	// The outcome is recorded even when a hard stop cancelled ctx.
	updateErr := w.store.UpdateClaimedJobStatus(context.WithoutCancel(ctx), job, claim, status)
	switch {
	case errors.Is(updateErr, storage.ErrClaimLost):
		entry.WithError(updateErr).Warn("Job was reclaimed before it finished; outcome discarded")
		return
	case updateErr != nil:
		entry.WithError(updateErr).Error("Failed to record job outcome")
		return
	}

	if w.notifier != nil {
		w.notify(entry, job, status, elapsed, err)
	}
}

func (w *Worker) notify(entry *logrus.Entry, job storage.Job, status types.Status, elapsed time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("Notifier panicked")
		}
	}()
	w.notifier.JobFinished(job, status, elapsed, err)
}

func (w *Worker) run(ctx context.Context, job storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	invocation, err := w.activator.Activate(job.Work())
	if err != nil {
		return err
	}
	return invocation.Invoke(ctx, job.Parameters())
}
