package leasemonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/store/sqlite"
)

func TestMonitorRequeuesExpiredJobs(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := sqlite.New(db, 50*time.Millisecond)

	job, err := store.CreateJob(ctx, whirrstore.CreateJobParams{Argv: []string{"sleep", "60"}, WorkDir: "/tmp"})
	require.NoError(t, err)
	_, err = store.ClaimJob(ctx, "worker-1", 60)
	require.NoError(t, err)

	mon, err := Start(store, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mon.Stop() })

	require.Eventually(t, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.Status == whirrstore.JobQueued
	}, 2*time.Second, 20*time.Millisecond)

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Attempt)
}
