package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type foreignJob string

func (f foreignJob) ID() string { return string(f) }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(clock *fakeClock, opts ...Option) *Store {
	return New(append([]Option{WithLogger(testLogger()), WithClock(clock.Now)}, opts...)...)
}

func definition(name string, runAt time.Time, after ...storage.Job) *types.JobDefinition {
	prerequisites := make([]types.Prerequisite, 0, len(after))
	for _, a := range after {
		prerequisites = append(prerequisites, a)
	}
	return types.NewJobDefinition(name, "Description goes here.", types.WorkReference{TypeName: "Mailer", MethodName: "Send"}, nil, &runAt, prerequisites)
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	t.Run("nil definition", func(t *testing.T) {
		store := newTestStore(clock)
		_, err := store.CreateJob(ctx, nil)
		assert.ErrorIs(t, err, storage.ErrNullArgument)
	})

	t.Run("disposed store", func(t *testing.T) {
		store := newTestStore(clock)
		require.NoError(t, store.Dispose())
		_, err := store.CreateJob(ctx, definition("BillyBobJoe", clock.Now().Add(5*time.Minute)))
		assert.ErrorIs(t, err, storage.ErrDisposed)
	})

	t.Run("prerequisite from another store", func(t *testing.T) {
		store := newTestStore(clock)
		other := newTestStore(clock)
		foreign, err := other.CreateJob(ctx, definition("one", clock.Now()))
		require.NoError(t, err)

		_, err = store.CreateJob(ctx, definition("two", clock.Now(), foreign))
		assert.ErrorIs(t, err, storage.ErrInvalidReference)

		def := types.NewJobDefinition("three", "", types.WorkReference{}, nil, nil, []types.Prerequisite{foreignJob("mock")})
		_, err = store.CreateJob(ctx, def)
		assert.ErrorIs(t, err, storage.ErrInvalidReference)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total())
	})

	t.Run("creates scheduled job", func(t *testing.T) {
		store := newTestStore(clock)
		runAt := clock.Now().Add(5 * time.Minute)
		job, err := store.CreateJob(ctx, definition("BillyBobJoe", runAt))
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID())
		assert.Equal(t, "BillyBobJoe", job.Name())
		assert.Equal(t, "Description goes here.", job.Description())
		assert.Equal(t, types.StatusScheduled, job.Status())
		assert.Equal(t, runAt, job.RunAt())
		assert.Equal(t, uint64(0), job.Claim())
		assert.Equal(t, "Mailer.Send", job.Work().String())
	})

	t.Run("run at defaults to now", func(t *testing.T) {
		store := newTestStore(clock)
		def := types.NewJobDefinition("now", "", types.WorkReference{}, nil, nil, nil)
		job, err := store.CreateJob(ctx, def)
		require.NoError(t, err)
		assert.Equal(t, clock.Now(), job.RunAt())
	})

	t.Run("definition is copied", func(t *testing.T) {
		store := newTestStore(clock)
		def := types.NewJobDefinition("params", "", types.WorkReference{}, []types.Parameter{{TypeName: "int", Value: "1"}}, nil, nil)
		job, err := store.CreateJob(ctx, def)
		require.NoError(t, err)

		def.Parameters[0].Value = "2"
		def.Name = "renamed"
		assert.Equal(t, "1", job.Parameters()[0].Value)
		assert.Equal(t, "params", job.Name())
	})
}

func TestPollForNextJob(t *testing.T) {
	ctx := context.Background()

	t.Run("disposed store", func(t *testing.T) {
		store := newTestStore(newFakeClock())
		require.NoError(t, store.Dispose())
		_, err := store.PollForNextJob(ctx)
		assert.ErrorIs(t, err, storage.ErrDisposed)
	})

	t.Run("no scheduled jobs", func(t *testing.T) {
		store := newTestStore(newFakeClock())
		job, err := store.PollForNextJob(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("future job is not returned before its time", func(t *testing.T) {
		clock := newFakeClock()
		store := newTestStore(clock)
		created, err := store.CreateJob(ctx, definition("later", clock.Now().Add(5*time.Minute)))
		require.NoError(t, err)

		job, err := store.PollForNextJob(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)

		clock.Advance(5*time.Minute - time.Nanosecond)
		job, err = store.PollForNextJob(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)

		clock.Advance(time.Nanosecond)
		job, err = store.PollForNextJob(ctx)
		require.NoError(t, err)
		assert.Equal(t, created, job)
	})

	t.Run("past job is claimed once", func(t *testing.T) {
		clock := newFakeClock()
		store := newTestStore(clock)
		created, err := store.CreateJob(ctx, definition("BillyBobJoe", clock.Now().Add(-5*time.Minute)))
		require.NoError(t, err)

		job, err := store.PollForNextJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, created, job)
		assert.Equal(t, types.StatusProcessing, job.Status())
		assert.Equal(t, clock.Now().Add(storage.DefaultReclaimTimeout), job.RunAt())
		assert.Equal(t, uint64(1), job.Claim())

		job, err = store.PollForNextJob(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("earliest run at first, ties in insertion order", func(t *testing.T) {
		clock := newFakeClock()
		store := newTestStore(clock)
		at := clock.Now().Add(-time.Minute)
		first, err := store.CreateJob(ctx, definition("first", at))
		require.NoError(t, err)
		second, err := store.CreateJob(ctx, definition("second", at))
		require.NoError(t, err)
		earliest, err := store.CreateJob(ctx, definition("earliest", at.Add(-time.Minute)))
		require.NoError(t, err)

		for _, expected := range []storage.Job{earliest, first, second} {
			job, err := store.PollForNextJob(ctx)
			require.NoError(t, err)
			assert.Equal(t, expected.ID(), job.ID())
		}
	})
}

func TestCompletedPrerequisiteScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)

	a, err := store.CreateJob(ctx, definition("A", clock.Now().Add(-5*time.Minute)))
	require.NoError(t, err)

	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, job)
	assert.Equal(t, types.StatusProcessing, a.Status())

	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, store.UpdateJobStatus(ctx, a, types.StatusCompleted))

	b, err := store.CreateJob(ctx, definition("B", clock.Now().Add(-5*time.Minute), a))
	require.NoError(t, err)
	assert.Equal(t, 0, b.BlockingCount())

	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, job)
}

func TestBlockedByFutureJobScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)

	a, err := store.CreateJob(ctx, definition("FirstJob", clock.Now().Add(5*time.Minute)))
	require.NoError(t, err)
	b, err := store.CreateJob(ctx, definition("SecondJob", clock.Now().Add(-5*time.Minute), a))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 1, b.BlockingCount())

	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StoreStats{Ready: 1, Blocked: 1}, stats)
}

func TestCompletingPrerequisiteUnblocksDependent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)

	first, err := store.CreateJob(ctx, definition("first", clock.Now().Add(5*time.Minute)))
	require.NoError(t, err)
	dependentAt := clock.Now().Add(-5 * time.Minute)
	second, err := store.CreateJob(ctx, definition("second", dependentAt, first))
	require.NoError(t, err)

	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, store.UpdateJobStatus(ctx, first, types.StatusCompleted))
	assert.Equal(t, dependentAt, second.RunAt())

	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, job)
	assert.Equal(t, types.StatusCompleted, first.Status())
	assert.Equal(t, types.StatusProcessing, second.Status())
}

func TestAllPrerequisitesMustComplete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)
	past := clock.Now().Add(-time.Minute)

	a, err := store.CreateJob(ctx, definition("a", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	b, err := store.CreateJob(ctx, definition("b", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	c, err := store.CreateJob(ctx, definition("c", past, a, b, a))
	require.NoError(t, err)
	assert.Equal(t, 2, c.BlockingCount())

	require.NoError(t, store.UpdateJobStatus(ctx, a, types.StatusCompleted))
	assert.Equal(t, 1, c.BlockingCount())
	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, store.UpdateJobStatus(ctx, b, types.StatusError))
	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, store.UpdateJobStatus(ctx, b, types.StatusCompleted))
	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, c, job)
}

func TestCompletionUnblocksOnlyDirectDependents(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)
	past := clock.Now().Add(-time.Minute)

	a, err := store.CreateJob(ctx, definition("a", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	b, err := store.CreateJob(ctx, definition("b", past, a))
	require.NoError(t, err)
	c, err := store.CreateJob(ctx, definition("c", past.Add(-time.Minute), b))
	require.NoError(t, err)

	require.NoError(t, store.UpdateJobStatus(ctx, a, types.StatusCompleted))

	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, job)
	assert.Equal(t, 1, c.BlockingCount())

	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	blocked, err := store.ListJobs(ctx, types.StatusScheduled, 0)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, c.ID(), blocked[0].ID())
}

func TestReclaimAfterTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock, WithReclaimTimeout(time.Minute))

	created, err := store.CreateJob(ctx, definition("slow", clock.Now().Add(-5*time.Minute)))
	require.NoError(t, err)

	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, created, job)
	firstClaim := job.Claim()

	clock.Advance(time.Minute - time.Nanosecond)
	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(time.Nanosecond)
	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, created, job)
	assert.Equal(t, types.StatusProcessing, job.Status())
	assert.Equal(t, firstClaim+1, job.Claim())
	assert.Equal(t, clock.Now().Add(time.Minute), job.RunAt())

	err = store.UpdateClaimedJobStatus(ctx, job, firstClaim, types.StatusCompleted)
	assert.ErrorIs(t, err, storage.ErrClaimLost)
	assert.Equal(t, types.StatusProcessing, job.Status())

	require.NoError(t, store.UpdateClaimedJobStatus(ctx, job, firstClaim+1, types.StatusCompleted))
	assert.Equal(t, types.StatusCompleted, job.Status())

	err = store.UpdateClaimedJobStatus(ctx, job, firstClaim+1, types.StatusError)
	assert.ErrorIs(t, err, storage.ErrClaimLost)
}

func TestClaimNextJobReturnsItsOwnClaim(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock, WithReclaimTimeout(time.Minute))

	_, err := store.CreateJob(ctx, definition("slow", clock.Now().Add(-time.Minute)))
	require.NoError(t, err)

	first, firstClaim, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(time.Minute)
	second, secondClaim, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// The shared handle now reports the newer claim; the first owner must
	// still hold its own.
	assert.Equal(t, uint64(1), firstClaim)
	assert.Equal(t, uint64(2), secondClaim)
	assert.Equal(t, secondClaim, first.Claim())

	err = store.UpdateClaimedJobStatus(ctx, first, firstClaim, types.StatusError)
	assert.ErrorIs(t, err, storage.ErrClaimLost)
	assert.Equal(t, types.StatusProcessing, first.Status())

	require.NoError(t, store.UpdateClaimedJobStatus(ctx, second, secondClaim, types.StatusCompleted))

	job, claim, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Zero(t, claim)

	require.NoError(t, store.Dispose())
	_, _, err = store.ClaimNextJob(ctx)
	assert.ErrorIs(t, err, storage.ErrDisposed)
}

func TestReclaimWithRealClock(t *testing.T) {
	ctx := context.Background()
	store := New(WithLogger(testLogger()), WithReclaimTimeout(200*time.Millisecond))

	created, err := store.CreateJob(ctx, definition("", time.Now().Add(-5*time.Minute)))
	require.NoError(t, err)

	job, err := store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, job)

	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	time.Sleep(300 * time.Millisecond)
	job, err = store.PollForNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, job)
	assert.Equal(t, types.StatusProcessing, created.Status())
}

func TestUpdateJobStatus(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	t.Run("disposed store", func(t *testing.T) {
		store := newTestStore(clock)
		job, err := store.CreateJob(ctx, definition("", clock.Now().Add(5*time.Minute)))
		require.NoError(t, err)
		require.NoError(t, store.Dispose())

		err = store.UpdateJobStatus(ctx, job, types.StatusCompleted)
		assert.ErrorIs(t, err, storage.ErrDisposed)
	})

	t.Run("nil job", func(t *testing.T) {
		store := newTestStore(clock)
		err := store.UpdateJobStatus(ctx, nil, types.StatusCompleted)
		assert.ErrorIs(t, err, storage.ErrNullArgument)
	})

	t.Run("job from another store", func(t *testing.T) {
		store := newTestStore(clock)
		other := newTestStore(clock)
		job, err := other.CreateJob(ctx, definition("test", clock.Now()))
		require.NoError(t, err)

		err = store.UpdateJobStatus(ctx, job, types.StatusCompleted)
		assert.ErrorIs(t, err, storage.ErrUnknownJob)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		store := newTestStore(clock)
		job, err := store.CreateJob(ctx, definition("", clock.Now().Add(-time.Minute)))
		require.NoError(t, err)
		require.NoError(t, store.UpdateJobStatus(ctx, job, types.StatusScheduled))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StoreStats{Ready: 1}, stats)
	})

	t.Run("unknown status", func(t *testing.T) {
		store := newTestStore(clock)
		job, err := store.CreateJob(ctx, definition("", clock.Now()))
		require.NoError(t, err)
		err = store.UpdateJobStatus(ctx, job, types.Status("paused"))
		assert.ErrorIs(t, err, storage.ErrUnsupportedTransition)
	})

	t.Run("blocked job cannot change status", func(t *testing.T) {
		store := newTestStore(clock)
		a, err := store.CreateJob(ctx, definition("a", clock.Now().Add(time.Hour)))
		require.NoError(t, err)
		b, err := store.CreateJob(ctx, definition("b", clock.Now(), a))
		require.NoError(t, err)

		err = store.UpdateJobStatus(ctx, b, types.StatusProcessing)
		assert.ErrorIs(t, err, storage.ErrUnsupportedTransition)
		assert.Equal(t, types.StatusScheduled, b.Status())
	})
}

func TestSettingCreatingAlwaysFails(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	for _, from := range types.PublicStatuses {
		t.Run(from.String(), func(t *testing.T) {
			store := newTestStore(clock)
			job, err := store.CreateJob(ctx, definition("", clock.Now().Add(-5*time.Minute)))
			require.NoError(t, err)
			require.NoError(t, store.UpdateJobStatus(ctx, job, from))

			err = store.UpdateJobStatus(ctx, job, types.StatusCreating)
			assert.ErrorIs(t, err, storage.ErrUnsupportedTransition)
			assert.Equal(t, from, job.Status())
		})
	}
}

func TestManualStatusThenReschedule(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	for _, status := range []types.Status{types.StatusProcessing, types.StatusCompleted, types.StatusError} {
		t.Run(status.String(), func(t *testing.T) {
			store := newTestStore(clock)
			created, err := store.CreateJob(ctx, definition("", clock.Now().Add(-5*time.Minute)))
			require.NoError(t, err)

			require.NoError(t, store.UpdateJobStatus(ctx, created, status))
			job, err := store.PollForNextJob(ctx)
			require.NoError(t, err)
			assert.Nil(t, job)
			assert.Equal(t, status, created.Status())

			require.NoError(t, store.UpdateJobStatus(ctx, created, types.StatusScheduled))
			job, err = store.PollForNextJob(ctx)
			require.NoError(t, err)
			assert.Equal(t, created, job)
			assert.Equal(t, types.StatusProcessing, created.Status())
		})
	}
}

func TestConcurrentPollersNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	store := New(WithLogger(testLogger()))
	past := time.Now().Add(-time.Minute)

	const jobCount = 200
	for i := 0; i < jobCount; i++ {
		_, err := store.CreateJob(ctx, definition(fmt.Sprintf("job-%d", i), past))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.PollForNextJob(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID()]++
				mu.Unlock()
				_ = store.UpdateJobStatus(ctx, job, types.StatusCompleted)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobCount)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobCount, stats.Completed)
}

func TestLookupAndListJobs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)

	a, err := store.CreateJob(ctx, definition("a", clock.Now().Add(-time.Minute)))
	require.NoError(t, err)
	b, err := store.CreateJob(ctx, definition("b", clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, store.UpdateJobStatus(ctx, b, types.StatusError))

	found, err := store.Lookup(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, a, found)

	_, err = store.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrUnknownJob)

	all, err := store.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := store.ListJobs(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	errored, err := store.ListJobs(ctx, types.StatusError, 0)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, b.ID(), errored[0].ID())

	_, err = store.ListJobs(ctx, types.Status("bogus"), 0)
	assert.Error(t, err)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(clock)

	job, err := store.CreateJob(ctx, definition("a", clock.Now()))
	require.NoError(t, err)

	require.NoError(t, store.Dispose())
	require.NoError(t, store.Dispose())

	assert.Equal(t, "a", job.Name())
	_, err = store.Stats(ctx)
	assert.ErrorIs(t, err, storage.ErrDisposed)
	_, err = store.Lookup(ctx, job.ID())
	assert.ErrorIs(t, err, storage.ErrDisposed)
	_, err = store.ListJobs(ctx, "", 0)
	assert.ErrorIs(t, err, storage.ErrDisposed)
	err = store.UpdateClaimedJobStatus(ctx, job, 0, types.StatusCompleted)
	assert.ErrorIs(t, err, storage.ErrDisposed)
}
