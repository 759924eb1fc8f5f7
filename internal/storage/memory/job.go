package memory

import (
	"fmt"
	"slices"
	"time"

	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
)

var _ storage.Job = (*Job)(nil)

// Job is the handle returned by a memory Store. The same handle is
// returned for a record on every call.
type Job struct {
	store *Store
	rec   *record
}

func (j *Job) ID() string          { return j.rec.id }
func (j *Job) Name() string        { return j.rec.def.Name }
func (j *Job) Description() string { return j.rec.def.Description }

func (j *Job) Work() types.WorkReference { return j.rec.def.Work }

func (j *Job) Parameters() []types.Parameter {
	return slices.Clone(j.rec.def.Parameters)
}

func (j *Job) Status() types.Status {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.rec.status
}

func (j *Job) RunAt() time.Time {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.rec.runAt
}

func (j *Job) Claim() uint64 {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return j.rec.claim
}

func (j *Job) BlockingCount() int {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()
	return len(j.rec.blocking)
}

func (j *Job) String() string {
	return fmt.Sprintf("%s (%s)", j.rec.def.Name, j.rec.id)
}
