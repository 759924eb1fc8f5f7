// Package sqlstore implements the job store contract on a SQL database
// through sqlx. The same queries run on SQLite (mattn/go-sqlite3) and
// PostgreSQL (lib/pq); bind variables are rebound per driver.
//
// The store is meant for a single process: every operation runs inside
// one transaction while holding a process-local lock, which gives the same
// atomicity guarantees as the memory store.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu       sync.RWMutex
	db       *sqlx.DB
	ownsDB   bool
	disposed bool
	seq      int64

	// handles maps record ids to the single handle given out for them.
	handles map[string]*Job

	reclaimTimeout time.Duration
	now            func() time.Time
	logger         *logrus.Logger
}

type Option func(*Store)

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

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database and prepares the schema. The returned
// store closes the connection when disposed.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an existing connection. The caller keeps ownership of db.
func New(ctx context.Context, db *sqlx.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:             db,
		handles:        make(map[string]*Job),
		reclaimTimeout: storage.DefaultReclaimTimeout,
		now:            time.Now,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &s.seq, `SELECT COALESCE(MAX(seq), 0) FROM undertaker_jobs`); err != nil {
		return nil, fmt.Errorf("failed to read job sequence: %w", err)
	}
	return s, nil
}

func (s *Store) CreateJob(ctx context.Context, def *types.JobDefinition) (storage.Job, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: job definition", storage.ErrNullArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, storage.ErrDisposed
	}

	prerequisites := make([]string, 0, len(def.After))
	for _, p := range def.After {
		j, ok := p.(*Job)
		if !ok || j == nil || j.store != s {
			return nil, fmt.Errorf("%w: prerequisite %s", storage.ErrInvalidReference, describe(p))
		}
		prerequisites = append(prerequisites, j.id)
	}

	params, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job parameters: %w", err)
	}
	runAt := s.now()
	if def.RunAt != nil {
		runAt = *def.RunAt
	}

	row := jobRow{
		ID:          uuid.NewString(),
		Seq:         s.seq + 1,
		Name:        def.Name,
		Description: def.Description,
		TypeName:    def.Work.TypeName,
		MethodName:  def.Work.MethodName,
		Parameters:  string(params),
		Status:      string(types.StatusCreating),
		ScheduledAt: runAt.UnixNano(),
		RunAt:       runAt.UnixNano(),
	}
	if def.Work.Static {
		row.Static = 1
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO undertaker_jobs (`+jobColumns+`) VALUES
			(:id, :seq, :name, :description, :type_name, :method_name, :is_static, :parameters, :status, :scheduled_at, :run_at, :claim, :blocking)`, row)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		seen := make(map[string]struct{}, len(prerequisites))
		for _, id := range prerequisites {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			pre, err := getRow(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("%w: prerequisite %s", storage.ErrInvalidReference, id)
			}
			if pre.Status == string(types.StatusCompleted) {
				continue
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO undertaker_edges (job_id, prerequisite_id) VALUES (?, ?)`), row.ID, id); err != nil {
				return fmt.Errorf("failed to link prerequisite: %w", err)
			}
			row.Blocking++
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE undertaker_jobs SET blocking = ? WHERE id = ?`), row.Blocking, row.ID); err != nil {
			return fmt.Errorf("failed to link prerequisite: %w", err)
		}

		_, err = s.transition(ctx, tx, &row, types.StatusScheduled)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.seq = row.Seq

	s.logger.WithFields(logrus.Fields{
		"job_id":   row.ID,
		"job_name": row.Name,
		"run_at":   runAt.Format(time.RFC3339),
		"blocking": row.Blocking,
	}).Debug("Job created")

	return s.handle(row)
}

func (s *Store) PollForNextJob(ctx context.Context) (storage.Job, error) {
	job, _, err := s.ClaimNextJob(ctx)
	return job, err
}

func (s *Store) ClaimNextJob(ctx context.Context) (storage.Job, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, 0, storage.ErrDisposed
	}

	now := s.now()
	var (
		row       jobRow
		found     bool
		reclaimed bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+jobColumns+` FROM undertaker_jobs
			WHERE ((status = 'scheduled' AND blocking = 0) OR status = 'processing') AND run_at <= ?
			ORDER BY run_at, seq LIMIT 1`), now.UnixNano())
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to poll for next job: %w", err)
		}
		found = true
		reclaimed = row.Status == string(types.StatusProcessing)

		row.Status = string(types.StatusProcessing)
		row.RunAt = now.Add(s.reclaimTimeout).UnixNano()
		row.Claim++
		return updateRow(ctx, tx, &row)
	})
	if err != nil || !found {
		return nil, 0, err
	}

	entry := s.logger.WithFields(logrus.Fields{
		"job_id":   row.ID,
		"job_name": row.Name,
		"claim":    row.Claim,
		"deadline": time.Unix(0, row.RunAt).Format(time.RFC3339),
	})
	if reclaimed {
		entry.Warn("Reclaimed abandoned job")
	} else {
		entry.Debug("Job claimed")
	}

	job, err := s.handle(row)
	if err != nil {
		return nil, 0, err
	}
	return job, uint64(row.Claim), nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, job storage.Job, status types.Status) error {
	return s.update(ctx, job, func(row *jobRow) error { return nil }, status)
}

func (s *Store) UpdateClaimedJobStatus(ctx context.Context, job storage.Job, claim uint64, status types.Status) error {
	return s.update(ctx, job, func(row *jobRow) error {
		if row.Status != string(types.StatusProcessing) || uint64(row.Claim) != claim {
			return fmt.Errorf("%w: job %s claim %d (current %d, %s)", storage.ErrClaimLost, row.ID, claim, row.Claim, row.Status)
		}
		return nil
	}, status)
}

func (s *Store) update(ctx context.Context, job storage.Job, check func(*jobRow) error, status types.Status) error {
	if job == nil {
		return fmt.Errorf("%w: job", storage.ErrNullArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return storage.ErrDisposed
	}
	j, ok := job.(*Job)
	if !ok || j == nil || j.store != s {
		return fmt.Errorf("%w: %s", storage.ErrUnknownJob, describe(job))
	}

	var touched []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getRow(ctx, tx, j.id)
		if err != nil {
			return err
		}
		if err := check(&row); err != nil {
			return err
		}
		touched, err = s.transition(ctx, tx, &row, status)
		return err
	})
	if err != nil {
		return err
	}
	return s.refresh(ctx, append(touched, j.id)...)
}

func (s *Store) Lookup(ctx context.Context, id string) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, storage.ErrDisposed
	}
	row, err := getRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return s.handle(row)
}

func (s *Store) ListJobs(ctx context.Context, status types.Status, limit int) ([]storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, storage.ErrDisposed
	}

	query := `SELECT ` + jobColumns + ` FROM undertaker_jobs`
	var args []any
	switch status {
	case "":
	case types.StatusCreating:
		return []storage.Job{}, nil
	case types.StatusScheduled, types.StatusProcessing, types.StatusCompleted, types.StatusError:
		query += ` WHERE status = ?`
		args = append(args, string(status))
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	query += ` ORDER BY ` + queueRank + `, run_at, seq`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]storage.Job, 0, len(rows))
	for _, row := range rows {
		j, err := s.handle(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) (types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats types.StoreStats
	if s.disposed {
		return stats, storage.ErrDisposed
	}

	var counts []struct {
		Status  string `db:"status"`
		Blocked int    `db:"blocked"`
		N       int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &counts, `SELECT status,
		CASE WHEN blocking > 0 THEN 1 ELSE 0 END AS blocked,
		COUNT(*) AS n
		FROM undertaker_jobs
		GROUP BY status, CASE WHEN blocking > 0 THEN 1 ELSE 0 END`)
	if err != nil {
		return stats, fmt.Errorf("failed to count jobs: %w", err)
	}

	for _, c := range counts {
		switch types.Status(c.Status) {
		case types.StatusScheduled:
			if c.Blocked == 1 {
				stats.Blocked += c.N
			} else {
				stats.Ready += c.N
			}
		case types.StatusProcessing:
			stats.Processing += c.N
		case types.StatusCompleted:
			stats.Completed += c.N
		case types.StatusError:
			stats.Errored += c.N
		}
	}
	return stats, nil
}

// Dispose removes every stored job and, for stores created by Open,
// closes the database. Calling it more than once is a no-op.
func (s *Store) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	s.disposed = true
	s.handles = nil

	ctx := context.Background()
	var errs []error
	if _, err := s.db.ExecContext(ctx, `DELETE FROM undertaker_edges`); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear edges: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM undertaker_jobs`); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear jobs: %w", err))
	}
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	s.logger.Debug("SQL job store disposed")
	return errors.Join(errs...)
}

// transition applies the status state machine to row inside tx and
// returns the ids of dependents whose prerequisite count changed.
func (s *Store) transition(ctx context.Context, tx *sqlx.Tx, row *jobRow, status types.Status) ([]string, error) {
	if status == types.StatusCreating {
		return nil, fmt.Errorf("%w: a job cannot go back to %s", storage.ErrUnsupportedTransition, status)
	}
	if !status.IsPublic() {
		return nil, fmt.Errorf("%w: unknown status %q", storage.ErrUnsupportedTransition, status)
	}
	if row.Status == string(status) {
		return nil, nil
	}
	if row.Status == string(types.StatusScheduled) && row.Blocking > 0 {
		return nil, fmt.Errorf("%w: job %s is waiting on %d prerequisites", storage.ErrUnsupportedTransition, row.ID, row.Blocking)
	}

	var dependents []string
	if status == types.StatusCompleted {
		if err := tx.SelectContext(ctx, &dependents, tx.Rebind(`SELECT job_id FROM undertaker_edges WHERE prerequisite_id = ?`), row.ID); err != nil {
			return nil, fmt.Errorf("failed to load dependents: %w", err)
		}
		if len(dependents) > 0 {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM undertaker_edges WHERE prerequisite_id = ?`), row.ID); err != nil {
				return nil, fmt.Errorf("failed to unlink dependents: %w", err)
			}
			query, args, err := sqlx.In(`UPDATE undertaker_jobs SET blocking = blocking - 1 WHERE id IN (?)`, dependents)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return nil, fmt.Errorf("failed to unblock dependents: %w", err)
			}
		}
	}

	switch status {
	case types.StatusProcessing:
		row.RunAt = s.now().Add(s.reclaimTimeout).UnixNano()
		row.Claim++
	case types.StatusScheduled:
		row.RunAt = row.ScheduledAt
	}

	from := row.Status
	row.Status = string(status)
	if err := updateRow(ctx, tx, row); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id": row.ID,
		"from":   from,
		"to":     status,
	}).Debug("Job status updated")
	return dependents, nil
}

// handle returns the single handle for row, refreshing its cached state.
// s.mu must be held for writing.
func (s *Store) handle(row jobRow) (*Job, error) {
	j, ok := s.handles[row.ID]
	if !ok {
		var params []types.Parameter
		if err := json.Unmarshal([]byte(row.Parameters), &params); err != nil {
			return nil, fmt.Errorf("failed to decode job parameters: %w", err)
		}
		j = &Job{
			store:       s,
			id:          row.ID,
			name:        row.Name,
			description: row.Description,
			work: types.WorkReference{
				TypeName:   row.TypeName,
				MethodName: row.MethodName,
				Static:     row.Static != 0,
			},
			params: params,
		}
		s.handles[row.ID] = j
	}
	j.status = types.Status(row.Status)
	j.runAt = time.Unix(0, row.RunAt).UTC()
	j.claim = uint64(row.Claim)
	j.blocking = row.Blocking
	return j, nil
}

// refresh reloads the cached state of already issued handles.
func (s *Store) refresh(ctx context.Context, ids ...string) error {
	wanted := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.handles[id]; ok {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM undertaker_jobs WHERE id IN (?)`, wanted)
	if err != nil {
		return err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to refresh jobs: %w", err)
	}
	for _, row := range rows {
		if _, err := s.handle(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func getRow(ctx context.Context, q queryer, id string) (jobRow, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+jobColumns+` FROM undertaker_jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("%w: %s", storage.ErrUnknownJob, id)
	}
	if err != nil {
		return row, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return row, nil
}

func updateRow(ctx context.Context, tx *sqlx.Tx, row *jobRow) error {
	_, err := tx.NamedExecContext(ctx, `UPDATE undertaker_jobs
		SET status = :status, run_at = :run_at, claim = :claim
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", row.ID, err)
	}
	return nil
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
