// Package memory is the in-process job store.
//
// Records live in an arena owned by the store. Dependency edges are kept as
// arena indexes on both ends, so a record never holds a pointer to another
// record. The five status queues hold arena indexes ordered by RunAt.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var _ storage.Store = (*Store)(nil)

type record struct {
	idx    int
	id     string
	def    *types.JobDefinition
	handle *Job

	status types.Status
	// scheduledAt is the requested run time; runAt is reset to it whenever
	// the record is rescheduled.
	scheduledAt time.Time
	runAt       time.Time
	claim       uint64

	// blocking holds the prerequisites still unfinished, blocked the
	// dependents waiting on this record. Each edge is stored on both ends.
	blocking []int
	blocked  []int
}

// Store is an in-memory job store. All operations are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	disposed bool

	records []*record
	index   map[string]int

	ready      *storage.Queue[int]
	blocked    *storage.Queue[int]
	processing *storage.Queue[int]
	completed  *storage.Queue[int]
	errored    *storage.Queue[int]

	reclaimTimeout time.Duration
	now            func() time.Time
	logger         *logrus.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithReclaimTimeout sets how long a claimed job may go without a status
// update before another poll can claim it again.
func WithReclaimTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.reclaimTimeout = d
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		index:          make(map[string]int),
		reclaimTimeout: storage.DefaultReclaimTimeout,
		now:            time.Now,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	byRunAt := func(idx int) time.Time { return s.records[idx].runAt }
	s.ready = storage.NewQueue(byRunAt)
	s.blocked = storage.NewQueue(byRunAt)
	s.processing = storage.NewQueue(byRunAt)
	s.completed = storage.NewQueue(byRunAt)
	s.errored = storage.NewQueue(byRunAt)

	return s
}

func (s *Store) CreateJob(_ context.Context, def *types.JobDefinition) (storage.Job, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: job definition", storage.ErrNullArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, storage.ErrDisposed
	}

	prerequisites := make([]int, 0, len(def.After))
	for _, p := range def.After {
		rec, err := s.own(p)
		if err != nil {
			return nil, fmt.Errorf("%w: prerequisite %s", storage.ErrInvalidReference, describe(p))
		}
		prerequisites = append(prerequisites, rec.idx)
	}

	rec := &record{
		idx:    len(s.records),
		id:     uuid.NewString(),
		def:    types.NewJobDefinition(def.Name, def.Description, def.Work, def.Parameters, def.RunAt, nil),
		status: types.StatusCreating,
		runAt:  s.now(),
	}
	if def.RunAt != nil {
		rec.runAt = *def.RunAt
	}
	rec.scheduledAt = rec.runAt
	rec.handle = &Job{store: s, rec: rec}

	s.records = append(s.records, rec)
	s.index[rec.id] = rec.idx

	for _, p := range prerequisites {
		pre := s.records[p]
		if pre.status == types.StatusCompleted || slices.Contains(rec.blocking, p) {
			continue
		}
		rec.blocking = append(rec.blocking, p)
		pre.blocked = append(pre.blocked, rec.idx)
	}

	if err := s.transition(rec, types.StatusScheduled); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   rec.id,
		"job_name": rec.def.Name,
		"run_at":   rec.runAt.Format(time.RFC3339),
		"blocking": len(rec.blocking),
	}).Debug("Job created")

	return rec.handle, nil
}

func (s *Store) PollForNextJob(ctx context.Context) (storage.Job, error) {
	job, _, err := s.ClaimNextJob(ctx)
	return job, err
}

func (s *Store) ClaimNextJob(_ context.Context) (storage.Job, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, 0, storage.ErrDisposed
	}

	now := s.now()
	var (
		from      *storage.Queue[int]
		candidate *record
	)
	if idx, ok := s.ready.Peek(); ok && !s.records[idx].runAt.After(now) {
		from, candidate = s.ready, s.records[idx]
	}
	// Processing records whose deadline passed were abandoned by their worker.
	if idx, ok := s.processing.Peek(); ok && !s.records[idx].runAt.After(now) {
		if candidate == nil || s.records[idx].runAt.Before(candidate.runAt) {
			from, candidate = s.processing, s.records[idx]
		}
	}
	if candidate == nil {
		return nil, 0, nil
	}

	reclaimed := candidate.status == types.StatusProcessing
	from.Remove(candidate.idx)
	candidate.status = types.StatusProcessing
	candidate.runAt = now.Add(s.reclaimTimeout)
	candidate.claim++
	s.processing.Insert(candidate.idx)

	entry := s.logger.WithFields(logrus.Fields{
		"job_id":   candidate.id,
		"job_name": candidate.def.Name,
		"claim":    candidate.claim,
		"deadline": candidate.runAt.Format(time.RFC3339),
	})
	if reclaimed {
		entry.Warn("Reclaimed abandoned job")
	} else {
		entry.Debug("Job claimed")
	}

	return candidate.handle, candidate.claim, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, job storage.Job, status types.Status) error {
	if job == nil {
		return fmt.Errorf("%w: job", storage.ErrNullArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return storage.ErrDisposed
	}
	rec, err := s.own(job)
	if err != nil {
		return err
	}
	return s.transition(rec, status)
}

func (s *Store) UpdateClaimedJobStatus(_ context.Context, job storage.Job, claim uint64, status types.Status) error {
	if job == nil {
		return fmt.Errorf("%w: job", storage.ErrNullArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return storage.ErrDisposed
	}
	rec, err := s.own(job)
	if err != nil {
		return err
	}
	if rec.status != types.StatusProcessing || rec.claim != claim {
		return fmt.Errorf("%w: job %s claim %d (current %d, %s)", storage.ErrClaimLost, rec.id, claim, rec.claim, rec.status)
	}
	return s.transition(rec, status)
}

func (s *Store) Lookup(_ context.Context, id string) (storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disposed {
		return nil, storage.ErrDisposed
	}
	idx, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownJob, id)
	}
	return s.records[idx].handle, nil
}

// ListJobs returns jobs of the given status in queue order. An empty
// status lists every queue. A limit of zero or less means no limit.
func (s *Store) ListJobs(_ context.Context, status types.Status, limit int) ([]storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disposed {
		return nil, storage.ErrDisposed
	}

	var queues []*storage.Queue[int]
	switch status {
	case "":
		queues = []*storage.Queue[int]{s.ready, s.blocked, s.processing, s.completed, s.errored}
	case types.StatusScheduled:
		queues = []*storage.Queue[int]{s.ready, s.blocked}
	case types.StatusProcessing:
		queues = []*storage.Queue[int]{s.processing}
	case types.StatusCompleted:
		queues = []*storage.Queue[int]{s.completed}
	case types.StatusError:
		queues = []*storage.Queue[int]{s.errored}
	case types.StatusCreating:
		return []storage.Job{}, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}

	jobs := make([]storage.Job, 0)
	for _, q := range queues {
		for _, idx := range q.Items() {
			if limit > 0 && len(jobs) >= limit {
				return jobs, nil
			}
			jobs = append(jobs, s.records[idx].handle)
		}
	}
	return jobs, nil
}

func (s *Store) Stats(_ context.Context) (types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disposed {
		return types.StoreStats{}, storage.ErrDisposed
	}
	return types.StoreStats{
		Ready:      s.ready.Len(),
		Blocked:    s.blocked.Len(),
		Processing: s.processing.Len(),
		Completed:  s.completed.Len(),
		Errored:    s.errored.Len(),
	}, nil
}

// Dispose drops every queue. Calling it more than once is a no-op.
func (s *Store) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	s.disposed = true

	s.ready.Clear()
	s.blocked.Clear()
	s.processing.Clear()
	s.completed.Clear()
	s.errored.Clear()
	s.records = nil
	s.index = nil

	s.logger.Debug("Memory job store disposed")
	return nil
}

// transition moves rec to status, applying the completion cascade.
// s.mu must be held for writing.
func (s *Store) transition(rec *record, status types.Status) error {
	if status == types.StatusCreating {
		return fmt.Errorf("%w: a job cannot go back to %s", storage.ErrUnsupportedTransition, status)
	}
	if !status.IsPublic() {
		return fmt.Errorf("%w: unknown status %q", storage.ErrUnsupportedTransition, status)
	}
	if rec.status == status {
		return nil
	}
	if rec.status == types.StatusScheduled && len(rec.blocking) > 0 {
		return fmt.Errorf("%w: job %s is waiting on %d prerequisites", storage.ErrUnsupportedTransition, rec.id, len(rec.blocking))
	}

	if q := s.queueFor(rec); q != nil {
		q.Remove(rec.idx)
	}

	if status == types.StatusCompleted {
		for _, d := range rec.blocked {
			dep := s.records[d]
			dep.blocking = slices.DeleteFunc(dep.blocking, func(p int) bool { return p == rec.idx })
			if len(dep.blocking) == 0 && dep.status == types.StatusScheduled {
				s.blocked.Remove(d)
				s.ready.Insert(d)
				s.logger.WithFields(logrus.Fields{
					"job_id":   dep.id,
					"job_name": dep.def.Name,
				}).Debug("Job unblocked")
			}
		}
		rec.blocked = nil
	}

	switch status {
	case types.StatusProcessing:
		rec.runAt = s.now().Add(s.reclaimTimeout)
		rec.claim++
	case types.StatusScheduled:
		rec.runAt = rec.scheduledAt
	}

	from := rec.status
	rec.status = status
	s.queueFor(rec).Insert(rec.idx)

	s.logger.WithFields(logrus.Fields{
		"job_id": rec.id,
		"from":   from,
		"to":     status,
	}).Debug("Job status updated")
	return nil
}

// queueFor returns the queue rec belongs to given its current status.
func (s *Store) queueFor(rec *record) *storage.Queue[int] {
	switch rec.status {
	case types.StatusScheduled:
		if len(rec.blocking) > 0 {
			return s.blocked
		}
		return s.ready
	case types.StatusProcessing:
		return s.processing
	case types.StatusCompleted:
		return s.completed
	case types.StatusError:
		return s.errored
	}
	return nil
}

func (s *Store) own(p types.Prerequisite) (*record, error) {
	j, ok := p.(*Job)
	if !ok || j == nil || j.store != s {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownJob, describe(p))
	}
	return j.rec, nil
}

func describe(p types.Prerequisite) string {
	if p == nil {
		return "<nil>"
	}
	if j, ok := p.(*Job); ok && j == nil {
		return "<nil>"
	}
	return p.ID()
}
