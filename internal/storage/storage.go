// Package storage defines the job store contract shared by every backend.
//
// A store owns five status queues (ready, blocked, processing, completed,
// errored) and moves records between them under a single store-wide lock.
// A record claimed by PollForNextJob keeps its RunAt field as a reclaim
// deadline: once it passes without a status update the record can be
// polled again. Work therefore runs at least once, never exactly once.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/0xPuncker/undertaker/pkg/types"
)

var (
	ErrDisposed              = errors.New("storage: store disposed")
	ErrNullArgument          = errors.New("storage: nil argument")
	ErrInvalidReference      = errors.New("storage: job was created by a different store")
	ErrUnknownJob            = errors.New("storage: unknown job")
	ErrUnsupportedTransition = errors.New("storage: unsupported status transition")
	ErrClaimLost             = errors.New("storage: claim no longer held")
)

// DefaultReclaimTimeout is how long a claimed job may stay in processing
// before it becomes pollable again.
const DefaultReclaimTimeout = 5 * time.Minute

// Job is a live handle to a stored record. Its accessors read the current
// state of the record under the owning store's lock.
type Job interface {
	types.Prerequisite

	Name() string
	Description() string
	Status() types.Status
	// RunAt is the scheduled time, or the reclaim deadline while processing.
	RunAt() time.Time
	// Claim is incremented every time the record is handed out by a poll.
	Claim() uint64
	Work() types.WorkReference
	Parameters() []types.Parameter
	// BlockingCount is the number of unfinished prerequisites.
	BlockingCount() int
}

// Store is the job store contract consumed by workers and schedulers.
type Store interface {
	CreateJob(ctx context.Context, def *types.JobDefinition) (Job, error)
	// PollForNextJob claims the earliest due job. It returns nil, nil when
	// nothing is due.
	PollForNextJob(ctx context.Context) (Job, error)
	// ClaimNextJob is PollForNextJob that also returns the claim epoch the
	// job was handed out under, read while the store lock is still held.
	ClaimNextJob(ctx context.Context) (Job, uint64, error)
	UpdateJobStatus(ctx context.Context, job Job, status types.Status) error
	// UpdateClaimedJobStatus behaves like UpdateJobStatus but only while the
	// job is still processing under the given claim.
	UpdateClaimedJobStatus(ctx context.Context, job Job, claim uint64, status types.Status) error
	Lookup(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, status types.Status, limit int) ([]Job, error)
	Stats(ctx context.Context) (types.StoreStats, error)
	Dispose() error
}
