//go:build !windows

package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{"sh", "-c", "echo hello; exit 3"}, dir, dir, nil)
	require.NoError(t, r.Start())

	code := r.Wait()
	assert.Equal(t, 3, code)
	assert.False(t, r.IsRunning())

	out, err := os.ReadFile(filepath.Join(dir, "output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")
}

func TestRunnerInjectsEnv(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{"sh", "-c", "echo $WHIRR_JOB_ID"}, dir, dir, map[string]string{"WHIRR_JOB_ID": "42"})
	require.NoError(t, r.Start())
	r.Wait()

	out, err := os.ReadFile(filepath.Join(dir, "output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "42")
}

func TestRunnerKillGraceThenForce(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{"sh", "-c", "trap '' TERM; sleep 30"}, dir, dir, nil)
	require.NoError(t, r.Start())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	code := r.Kill(200 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Less(t, code, 0, "expected a negated signal number, got %d", code)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.False(t, r.IsRunning())
}

func TestRunnerKillOnAlreadyFinished(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{"true"}, dir, dir, nil)
	require.NoError(t, r.Start())
	r.Wait()

	code := r.Kill(time.Second)
	assert.Equal(t, 0, code)
}
