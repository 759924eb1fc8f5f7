// Package scheduler is the caller-facing way to put jobs into a store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
)

var ErrAlreadyConfigured = errors.New("scheduler: already configured")

type JobScheduler struct {
	store storage.Store
}

func New(store storage.Store) *JobScheduler {
	return &JobScheduler{store: store}
}

func (s *JobScheduler) BuildJob() *Builder {
	return &Builder{scheduler: s}
}

func (s *JobScheduler) ScheduleJob(ctx context.Context, def *types.JobDefinition) (storage.Job, error) {
	return s.store.CreateJob(ctx, def)
}

// Builder collects a job definition fluently. Misuse is remembered and
// reported by Run.
type Builder struct {
	scheduler   *JobScheduler
	name        *string
	description *string
	runAt       *time.Time
	after       []types.Prerequisite
	params      []types.Parameter
	err         error
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) WithName(name string) *Builder {
	switch {
	case name == "":
		return b.fail(fmt.Errorf("%w: job name", storage.ErrNullArgument))
	case b.name != nil:
		return b.fail(fmt.Errorf("%w: the job has already been given a name", ErrAlreadyConfigured))
	}
	b.name = &name
	return b
}

func (b *Builder) WithDescription(description string) *Builder {
	switch {
	case description == "":
		return b.fail(fmt.Errorf("%w: job description", storage.ErrNullArgument))
	case b.description != nil:
		return b.fail(fmt.Errorf("%w: the job has already been given a description", ErrAlreadyConfigured))
	}
	b.description = &description
	return b
}

// At sets the earliest time the job may run.
func (b *Builder) At(t time.Time) *Builder {
	if b.runAt != nil {
		return b.fail(fmt.Errorf("%w: a run time has already been set", ErrAlreadyConfigured))
	}
	b.runAt = &t
	return b
}

// After makes the job wait until job has completed.
func (b *Builder) After(job storage.Job) *Builder {
	if job == nil {
		return b.fail(fmt.Errorf("%w: prerequisite", storage.ErrNullArgument))
	}
	b.after = append(b.after, job)
	return b
}

func (b *Builder) WithParameter(typeName, value string) *Builder {
	b.params = append(b.params, types.Parameter{TypeName: typeName, Value: value})
	return b
}

// Run schedules work. The job name defaults to the method name.
func (b *Builder) Run(ctx context.Context, work types.WorkReference) (storage.Job, error) {
	if b.err != nil {
		return nil, b.err
	}
	if work.MethodName == "" {
		return nil, fmt.Errorf("%w: work method name", storage.ErrNullArgument)
	}

	name := work.MethodName
	if b.name != nil {
		name = *b.name
	}
	var description string
	if b.description != nil {
		description = *b.description
	}

	def := types.NewJobDefinition(name, description, work, b.params, b.runAt, b.after)
	return b.scheduler.ScheduleJob(ctx, def)
}
