package worker

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

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.New(db, 120*time.Second)
}

func TestWorkerRunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.CreateJob(ctx, whirrstore.CreateJobParams{
		Argv: []string{"sh", "-c", "echo $WHIRR_JOB_ID > marker; exit 0"}, WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	w := New(store, Config{RunsRoot: t.TempDir(), PollInterval: 10 * time.Millisecond}, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx, false)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.IsTerminal()
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, whirrstore.JobCompleted, final.Status)
	assert.Equal(t, 0, *final.ExitCode)
}

func TestWorkerRecordsFailingExitCode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.CreateJob(ctx, whirrstore.CreateJobParams{
		Argv: []string{"sh", "-c", "exit 42"}, WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	w := New(store, Config{RunsRoot: t.TempDir(), PollInterval: 10 * time.Millisecond}, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx, false)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.IsTerminal()
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, whirrstore.JobFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 42, *final.ExitCode)
}

func TestWorkerHandlesShutdownDuringJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	job, err := store.CreateJob(ctx, whirrstore.CreateJobParams{
		Argv: []string{"sh", "-c", "trap '' TERM; sleep 30"}, WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	w := New(store, Config{
		RunsRoot: t.TempDir(), PollInterval: 10 * time.Millisecond, KillGracePeriod: 100 * time.Millisecond,
	}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, false)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.IsRunning()
	}, time.Second, 10*time.Millisecond)

	w.Shutdown()
	<-done

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, whirrstore.JobFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
}
