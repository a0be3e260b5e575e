package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, 120*time.Second)
}

func TestCreateAndClaimJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"echo", "hi"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, whirrstore.JobQueued, job.Status)

	claimed, err := s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, whirrstore.JobRunning, claimed.Status)
	assert.Equal(t, "worker-1", *claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.HeartbeatAt)

	none, err := s.ClaimJob(ctx, "worker-2", 60)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFIFOClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var ids []int64
	for i := 0; i < 5; i++ {
		job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"echo", "x"}, WorkDir: "/tmp"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	for _, want := range ids {
		job, err := s.ClaimJob(ctx, "worker", 60)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestAtMostOnceClaimUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const numJobs = 20
	for i := 0; i < numJobs; i++ {
		_, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"echo", "x"}, WorkDir: "/tmp"})
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		seen   = map[int64]int{}
		wg     sync.WaitGroup
		claims = make(chan int64, numJobs*2)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := s.ClaimJob(ctx, workerID, 60)
				if err != nil || job == nil {
					return
				}
				claims <- job.ID
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()
	close(claims)

	for id := range claims {
		mu.Lock()
		seen[id]++
		mu.Unlock()
	}
	assert.Len(t, seen, numJobs)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %d claimed more than once", id)
	}
}

func TestHeartbeatReportsCancellation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"sleep", "60"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	claimed, err := s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	cancelled, err := s.Heartbeat(ctx, job.ID, "worker-1", 60)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = s.CancelJob(ctx, job.ID)
	require.NoError(t, err)

	cancelled, err = s.Heartbeat(ctx, job.ID, "worker-1", 60)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestRetryLineage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{
		Argv: []string{"false"}, WorkDir: "/tmp", Name: "job-a", Tags: []string{"x"},
	})
	require.NoError(t, err)

	claimed, err := s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)
	errMsg := "boom"
	require.NoError(t, s.CompleteJob(ctx, claimed.ID, "worker-1", 1, nil, &errMsg))

	retried, err := s.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, job.ID, *retried.ParentID)
	assert.Equal(t, job.Attempt+1, retried.Attempt)
	assert.Equal(t, whirrstore.JobQueued, retried.Status)
	assert.Equal(t, job.Argv, retried.Argv)
}

func TestRequeueExpiredIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.heartbeatTimeout = 1 * time.Millisecond

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"sleep", "60"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	requeued, err := s.RequeueExpired(ctx)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, job.ID, requeued[0].ID)
	assert.Equal(t, whirrstore.JobQueued, requeued[0].Status)
	assert.Equal(t, 2, requeued[0].Attempt)
	assert.Nil(t, requeued[0].WorkerID)
}

func TestSetJobProcessRecordsPidAndPgid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"sleep", "5"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)

	require.NoError(t, s.SetJobProcess(ctx, job.ID, "worker-1", 4321, 4321))

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.PID)
	assert.Equal(t, 4321, *updated.PID)
	require.NotNil(t, updated.PGID)
	assert.Equal(t, 4321, *updated.PGID)

	err = s.SetJobProcess(ctx, job.ID, "worker-2", 1, 1)
	assert.Error(t, err)
}

func TestCompleteJobRejectsWrongOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"echo"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)

	err = s.CompleteJob(ctx, job.ID, "worker-2", 0, nil, nil)
	assert.Error(t, err)
}
