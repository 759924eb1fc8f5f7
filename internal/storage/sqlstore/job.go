package sqlstore

import (
	"fmt"
	"slices"
	"time"

	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
)

var _ storage.Job = (*Job)(nil)

// Job caches the last committed state of a row. The store refreshes it
// after every operation that touches the row.
type Job struct {
	store       *Store
	id          string
	name        string
	description string
	work        types.WorkReference
	params      []types.Parameter

	status   types.Status
	runAt    time.Time
	claim    uint64
	blocking int
}

func (j *Job) ID() string                { return j.id }
func (j *Job) Name() string              { return j.name }
func (j *Job) Description() string       { return j.description }
func (j *Job) Work() types.WorkReference { return j.work }

func (j *Job) Parameters() []types.Parameter {
	return slices.Clone(j.params)
}

func (j *Job) Status() types.Status {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.status
}

func (j *Job) RunAt() time.Time {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.runAt
}

func (j *Job) Claim() uint64 {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.claim
}

func (j *Job) BlockingCount() int {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.blocking
}

func (j *Job) String() string {
	return fmt.Sprintf("%s (%s)", j.name, j.id)
}
