// Package agent runs a pool of workers that poll a job store and execute
// the jobs they claim.
package agent

import (
	"fmt"
	"sync"

	"github.com/0xPuncker/undertaker/internal/activator"
	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWorkers = 5
	MinWorkers     = 1
	MaxWorkers     = 30
)

// Agent owns a worker pool sharing one store and one activator.
// Storage, activator, worker count and notifier can each be set once.
type Agent struct {
	mu     sync.Mutex
	logger *logrus.Logger

	store     storage.Store
	ownsStore bool
	activator activator.Activator
	notifier  Notifier
	workers   int

	pool     []*Worker
	running  bool
	disposed bool
}

func New(logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Agent{logger: logger}
}

// UseStorage sets the store workers poll. When ownsStore is set the
// store is disposed together with the agent.
func (a *Agent) UseStorage(store storage.Store, ownsStore bool) error {
	if store == nil {
		return fmt.Errorf("%w: store", ErrNullArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return ErrDisposed
	}
	if a.store != nil {
		return fmt.Errorf("%w: a store has already been set", ErrAlreadyConfigured)
	}
	a.store = store
	a.ownsStore = ownsStore
	return nil
}

func (a *Agent) UseActivator(act activator.Activator) error {
	if act == nil {
		return fmt.Errorf("%w: activator", ErrNullArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return ErrDisposed
	}
	if a.activator != nil {
		return fmt.Errorf("%w: an activator has already been set", ErrAlreadyConfigured)
	}
	a.activator = act
	return nil
}

func (a *Agent) UseConcurrentWorkers(count int) error {
	if count < MinWorkers || count > MaxWorkers {
		return fmt.Errorf("%w: worker count must be between %d and %d, got %d", ErrInvalidArgument, MinWorkers, MaxWorkers, count)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return ErrDisposed
	}
	if a.running {
		return fmt.Errorf("%w: worker count cannot change while the agent is running", ErrInvalidState)
	}
	if a.workers != 0 {
		return fmt.Errorf("%w: worker count has already been set", ErrAlreadyConfigured)
	}
	a.workers = count
	return nil
}

func (a *Agent) UseNotifier(n Notifier) error {
	if n == nil {
		return fmt.Errorf("%w: notifier", ErrNullArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return ErrDisposed
	}
	if a.notifier != nil {
		return fmt.Errorf("%w: a notifier has already been set", ErrAlreadyConfigured)
	}
	a.notifier = n
	return nil
}

func (a *Agent) UseLogger(logger *logrus.Logger) {
	if logger == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = logger
}

// Start builds a fresh pool. Workers left over from a soft stop are
// stopped and waited for first.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return ErrDisposed
	}
	if a.running {
		return fmt.Errorf("%w: the agent is already running", ErrInvalidState)
	}
	if a.store == nil {
		return fmt.Errorf("%w: a store must be set before starting", ErrMissingConfiguration)
	}
	if a.activator == nil {
		return fmt.Errorf("%w: an activator must be set before starting", ErrMissingConfiguration)
	}

	a.stop(true)

	count := a.workers
	if count == 0 {
		count = DefaultWorkers
	}

	pool := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		w, err := NewWorker(i+1, a.store, a.activator, a.notifier, a.logger)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			for _, started := range pool {
				started.Stop(true)
			}
			return fmt.Errorf("failed to start worker %d: %w", i+1, err)
		}
		pool = append(pool, w)
	}
	a.pool = pool
	a.running = true

	a.logger.WithField("workers", count).Info("Agent started")
	return nil
}

// Stop signals every worker to stop. With waitForWorkers set it then
// blocks until each worker has exited.
func (a *Agent) Stop(waitForWorkers bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return ErrDisposed
	}
	a.stop(waitForWorkers)
	a.logger.WithField("wait", waitForWorkers).Info("Agent stopped")
	return nil
}

// stop must be called with a.mu held.
func (a *Agent) stop(wait bool) {
	a.running = false

	for _, w := range a.pool {
		w.Stop(false)
	}
	if !wait {
		return
	}
	for _, w := range a.pool {
		w.Stop(true)
	}
	a.pool = nil
}

func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// WorkerCount reports how many worker goroutines are still alive.
func (a *Agent) WorkerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, w := range a.pool {
		if w.IsRunning() {
			n++
		}
	}
	return n
}

// Dispose stops every worker and waits for them, then disposes the store
// if the agent owns it. Later calls do nothing.
func (a *Agent) Dispose() error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	a.stop(true)
	store, owns := a.store, a.ownsStore
	a.mu.Unlock()

	if owns && store != nil {
		if err := store.Dispose(); err != nil {
			return fmt.Errorf("failed to dispose store: %w", err)
		}
	}
	a.logger.Info("Agent disposed")
	return nil
}
