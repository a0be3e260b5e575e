package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

// These tests require a live Postgres instance reachable at
// WHIRR_TEST_POSTGRES_DSN; they're skipped otherwise rather than faking
// the backend.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("WHIRR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WHIRR_TEST_POSTGRES_DSN not set; skipping postgres backend tests")
	}
	db, err := Open(context.Background(), Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE jobs, runs, workers RESTART IDENTITY CASCADE`)
		_ = db.Close()
	})
	return New(db, 60)
}

func TestClaimJobSkipsLockedRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"echo", "hi"}, WorkDir: "/tmp"})
	require.NoError(t, err)

	claimed, err := s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	none, err := s.ClaimJob(ctx, "worker-2", 60)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRequeueExpiredByLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"sleep", "60"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, "worker-1", 1)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	requeued, err := s.RequeueExpired(ctx)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, job.ID, requeued[0].ID)
	assert.Equal(t, whirrstore.JobQueued, requeued[0].Status)
	assert.Equal(t, 2, requeued[0].Attempt)
}

func TestRetryJobLineage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"false"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	claimed, err := s.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, claimed.ID, "worker-1", 1, nil, nil))

	retried, err := s.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, *retried.ParentID)
	assert.Equal(t, 2, retried.Attempt)
}
