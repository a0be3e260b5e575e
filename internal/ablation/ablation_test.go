package ablation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

type fakeSubmitter struct {
	nextID int64
}

func (f *fakeSubmitter) CreateJob(ctx context.Context, params whirrstore.CreateJobParams) (*whirrstore.Job, error) {
	f.nextID++
	return &whirrstore.Job{ID: f.nextID, Argv: params.Argv, WorkDir: params.WorkDir, Status: whirrstore.JobQueued}, nil
}

func TestParseValueGrammar(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello world"), 0o644))

	v, err := ParseValue("@" + filePath)
	require.NoError(t, err)
	fv, ok := v.(FileValue)
	require.True(t, ok)
	assert.Equal(t, "hello world", fv.Text)

	v, err = ParseValue("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = ParseValue("3.14")
	require.NoError(t, err)
	assert.Equal(t, 3.14, v)

	v, err = ParseValue("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", v)
}

func TestCreateSessionAndAddDelta(t *testing.T) {
	store := NewStore(t.TempDir())

	sess, err := store.CreateSession("temp-sweep", "win", 3)
	require.NoError(t, err)
	assert.Len(t, sess.ID, 6)
	assert.Equal(t, 3, sess.DefaultReplicates)

	sess.Baseline = map[string]any{"temperature": 0.7}
	require.NoError(t, store.Save(sess))

	require.NoError(t, store.AddDelta(sess, []string{"temperature=0"}, ""))
	assert.Equal(t, []string{"temperature"}, sess.DeltaOrder)
	assert.Equal(t, int64(0), sess.Deltas["temperature"]["temperature"])

	reloaded, err := store.Load("temp-sweep")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, reloaded.ID)
	assert.Contains(t, reloaded.Deltas, "temperature")
}

func TestCreateSessionDuplicateNameRejected(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.CreateSession("dup", "win", 1)
	require.NoError(t, err)
	_, err = store.CreateSession("dup", "win", 1)
	assert.Error(t, err)
}

func TestPlanReplicatesDeterministic(t *testing.T) {
	store := NewStore(t.TempDir())
	sess, err := store.CreateSession("s", "win", 3)
	require.NoError(t, err)
	require.NoError(t, store.AddDelta(sess, []string{"temperature=0"}, ""))

	plan := sess.PlanReplicates(3)
	require.Len(t, plan, 6) // 2 conditions x 3 replicates

	seeds := map[string][]uint32{}
	for _, p := range plan {
		seeds[p.Condition] = append(seeds[p.Condition], p.Seed)
	}
	assert.Equal(t, []uint32{sess.SeedBase, sess.SeedBase + 1, sess.SeedBase + 2}, seeds["baseline"])
	assert.Equal(t, seeds["baseline"], seeds["temperature"])
}

func TestExpandAppliesDeltaAndAblateTag(t *testing.T) {
	store := NewStore(t.TempDir())
	sess, err := store.CreateSession("s", "win", 1)
	require.NoError(t, err)
	sess.Baseline = map[string]any{"temperature": 0.7, "model": "gpt-4"}
	require.NoError(t, store.Save(sess))
	require.NoError(t, store.AddDelta(sess, []string{"temperature=0"}, ""))

	base := Expand(sess, "baseline", 0)
	assert.Equal(t, 0.7, base["temperature"])

	delta := Expand(sess, "temperature", 2)
	assert.Equal(t, int64(0), delta["temperature"])
	assert.Equal(t, "gpt-4", delta["model"])

	tag, ok := delta["__ablate__"].(ablateTag)
	require.True(t, ok)
	assert.Equal(t, "temperature", tag.Condition)
	assert.Equal(t, 2, tag.Replicate)
	assert.Equal(t, sess.SeedBase+2, tag.Seed)
}

func TestRunSubmitsExpectedJobCount(t *testing.T) {
	store := NewStore(t.TempDir())
	sess, err := store.CreateSession("s", "win", 1)
	require.NoError(t, err)
	sess.Baseline = map[string]any{"temperature": 0.7}
	require.NoError(t, store.Save(sess))
	require.NoError(t, store.AddDelta(sess, []string{"temperature=0"}, ""))

	sub := &fakeSubmitter{}
	err = store.Run(context.Background(), sub, sess, []string{"run.sh", "--seed", "{{seed}}", "--config", "{{cfg_path}}"}, "/tmp", 3)
	require.NoError(t, err)

	assert.Len(t, sess.Results, 6)
	for _, r := range sess.Results {
		assert.Equal(t, "queued", r.Status)
	}

	entries, err := os.ReadDir(store.ConfigsDir(sess.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestRankOrdersByAbsoluteEffect(t *testing.T) {
	tmp := t.TempDir()
	store := NewStore(filepath.Join(tmp, "ablations"))
	sess, err := store.CreateSession("s", "win", 1)
	require.NoError(t, err)
	require.NoError(t, store.AddDelta(sess, []string{"temperature=0"}, "cold"))
	require.NoError(t, store.AddDelta(sess, []string{"temperature=2"}, "hot"))

	lookup := &fakeLookup{runs: map[string]*whirrstore.Run{}}
	addRun := func(runID, condition string, summary map[string]any) {
		b, _ := json.Marshal(summary)
		lookup.runs[runID] = &whirrstore.Run{ID: runID, Status: whirrstore.RunCompleted, Summary: b, RunDir: filepath.Join(tmp, runID)}
		require.NoError(t, os.MkdirAll(lookup.runs[runID].RunDir, 0o755))
	}

	addRun("run-baseline-0", "baseline", map[string]any{"win": 0.50})
	addRun("run-baseline-1", "baseline", map[string]any{"win": 0.52})
	addRun("run-cold-0", "cold", map[string]any{"win": 0.40})
	addRun("run-hot-0", "hot", map[string]any{"win": 0.70})

	sess.Results = []RunResult{
		{RunID: "run-baseline-0", Condition: "baseline", Replicate: 0, Seed: sess.SeedBase},
		{RunID: "run-baseline-1", Condition: "baseline", Replicate: 1, Seed: sess.SeedBase + 1},
		{RunID: "run-cold-0", Condition: "cold", Replicate: 0, Seed: sess.SeedBase},
		{RunID: "run-hot-0", Condition: "hot", Replicate: 0, Seed: sess.SeedBase},
	}
	sess.Metric = "win"
	require.NoError(t, store.Save(sess))

	result, err := Rank(context.Background(), store, lookup, sess)
	require.NoError(t, err)

	require.Len(t, result.Effects, 2)
	assert.Equal(t, "hot", result.Effects[0].Condition) // |0.70-0.51| > |0.40-0.51|
	require.NotNil(t, result.Strongest)
	assert.Equal(t, "hot", result.Strongest.Condition)
}

type fakeLookup struct {
	runs map[string]*whirrstore.Run
}

func (f *fakeLookup) GetRun(ctx context.Context, runID string) (*whirrstore.Run, error) {
	return f.runs[runID], nil
}
