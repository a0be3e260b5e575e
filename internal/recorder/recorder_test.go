package recorder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	dir := t.TempDir()
	r, err := New(context.Background(), nil, Options{
		Name: "test-run", RunID: "run-1", RunDir: dir,
		Config: map[string]any{"lr": 0.01},
	})
	require.NoError(t, err)
	return r
}

func TestLogAppendsMonotonicIdx(t *testing.T) {
	r := newTestRecorder(t)
	require.NoError(t, r.Log(map[string]any{"loss": 0.5}, nil))
	step := 1
	require.NoError(t, r.Log(map[string]any{"loss": 0.4}, &step))

	records, err := ReadMetrics(r.metricsPath)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Idx)
	assert.Equal(t, 1, records[1].Idx)
	assert.Equal(t, 0.5, records[0].Values["loss"])
	require.NotNil(t, records[1].Step)
	assert.Equal(t, 1, *records[1].Step)
}

func TestReadMetricsTolerantOfTruncatedLine(t *testing.T) {
	r := newTestRecorder(t)
	require.NoError(t, r.Log(map[string]any{"loss": 0.5}, nil))

	f, err := os.OpenFile(r.metricsPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"_idx": 1, "_timestamp": "2024`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := ReadMetrics(r.metricsPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestFinishIsIdempotent(t *testing.T) {
	r := newTestRecorder(t)
	require.NoError(t, r.Finish(context.Background(), "completed"))
	require.NoError(t, r.Finish(context.Background(), "failed"))

	meta, err := ReadMeta(r.runDir)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "completed", meta.Status)
}

func TestLogAfterFinishFails(t *testing.T) {
	r := newTestRecorder(t)
	require.NoError(t, r.Finish(context.Background(), "completed"))
	err := r.Log(map[string]any{"x": 1}, nil)
	assert.Error(t, err)
}

func TestSaveArtifactRejectsEscape(t *testing.T) {
	r := newTestRecorder(t)
	src := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	_, err := r.SaveArtifact(src, "../../escape.bin")
	assert.Error(t, err)
}

func TestInitAllocatesLocalRunID(t *testing.T) {
	t.Setenv("WHIRR_RUN_DIR", "")
	t.Setenv("WHIRR_RUN_ID", "")
	root := t.TempDir()

	r, err := Init(context.Background(), nil, root, Options{Name: "direct"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.runID, "local-"), "got run id %q", r.runID)
	assert.Len(t, r.runID, len("local-20060102-150405-")+6)
	assert.DirExists(t, r.artifactsDir)
}

func TestInitAttachesToWorkerRunViaEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WHIRR_RUN_DIR", dir)
	t.Setenv("WHIRR_RUN_ID", "job-7")
	t.Setenv("WHIRR_JOB_ID", "7")

	r, err := Init(context.Background(), nil, "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "job-7", r.runID)
	assert.Equal(t, dir, r.runDir)
	require.NotNil(t, r.jobID)
	assert.Equal(t, int64(7), *r.jobID)
}

func TestSaveArtifactCopiesIntoArtifactsDir(t *testing.T) {
	r := newTestRecorder(t)
	src := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	dest, err := r.SaveArtifact(src, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.artifactsDir, "model.bin"), dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
