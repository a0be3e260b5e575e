package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	whirrerrors "github.com/3leaps/whirr/internal/errors"
	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/store/sqlite"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlite.New(db, 120*time.Second))
}

func TestCreateJobRejectsEmptyArgv(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateJob(context.Background(), whirrstore.CreateJobParams{WorkDir: "/tmp"})
	require.Error(t, err)
	appErr, ok := whirrerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, whirrerrors.CodeValidation, appErr.Code)
}

func TestCreateJobRejectsRelativeWorkdir(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateJob(context.Background(), whirrstore.CreateJobParams{Argv: []string{"echo"}, WorkDir: "relative/path"})
	require.Error(t, err)
	appErr, ok := whirrerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, whirrerrors.CodeValidation, appErr.Code)
}

func TestClaimJobRejectsOutOfBoundsLease(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.ClaimJob(context.Background(), "worker-1", 5)
	require.Error(t, err)

	_, err = s.ClaimJob(context.Background(), "worker-1", 601)
	require.Error(t, err)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.GetJob(context.Background(), 999)
	require.Error(t, err)
	appErr, ok := whirrerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, whirrerrors.CodeNotFound, appErr.Code)
}

func TestRetryJobRejectsNonTerminal(t *testing.T) {
	s := newTestScheduler(t)
	job, err := s.CreateJob(context.Background(), whirrstore.CreateJobParams{Argv: []string{"echo"}, WorkDir: "/tmp"})
	require.NoError(t, err)

	_, err = s.RetryJob(context.Background(), job.ID)
	require.Error(t, err)
	appErr, ok := whirrerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, whirrerrors.CodeConflict, appErr.Code)
}
