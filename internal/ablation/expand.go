package ablation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	whirrstore "github.com/3leaps/whirr/internal/store"
)

// Submitter is the subset of the scheduler core the ablation driver needs
// to turn an expanded condition into a job. scheduler.Scheduler and
// internal/client.Client both satisfy it, so the driver runs unmodified
// against either deployment topology.
type Submitter interface {
	CreateJob(ctx context.Context, params whirrstore.CreateJobParams) (*whirrstore.Job, error)
}

// Expand materializes one config document for (condition, replicate),
// applying the named delta (if condition != "baseline") atop the baseline
// and stamping the reserved __ablate__ subobject. FileValue entries
// resolve to their inlined text.
func Expand(sess *Session, condition string, replicate int) map[string]any {
	cfg := cloneJSONMap(sess.Baseline)
	if condition != "baseline" {
		for k, v := range sess.Deltas[condition] {
			cfg[k] = resolveValue(v)
		}
	}
	seed := sess.SeedBase + uint32(replicate)
	cfg["__ablate__"] = ablateTag{
		SessionID: sess.ID,
		Condition: condition,
		Replicate: replicate,
		Seed:      seed,
	}
	return cfg
}

func resolveValue(v any) any {
	switch fv := v.(type) {
	case FileValue:
		return fv.Text
	case map[string]any:
		if path, ok := fv["path"]; ok {
			if text, ok2 := fv["text"]; ok2 {
				_ = path
				return text
			}
		}
		return fv
	default:
		return v
	}
}

// WriteConfig materializes cfg to <root>/<session>/configs/<condition>-<r>.json.
func (s *Store) WriteConfig(sess *Session, condition string, replicate int, cfg map[string]any) (string, error) {
	dir := s.ConfigsDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create configs dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", condition, replicate))
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// substituteTemplate performs a literal-string replace of {{seed}} and
// {{cfg_path}} on each argv token.
func substituteTemplate(template []string, seed uint32, cfgPath string) []string {
	out := make([]string, len(template))
	for i, tok := range template {
		tok = strings.ReplaceAll(tok, "{{seed}}", strconv.FormatUint(uint64(seed), 10))
		tok = strings.ReplaceAll(tok, "{{cfg_path}}", cfgPath)
		out[i] = tok
	}
	return out
}

// Preview is one (condition, replicate, seed) triple that Run would submit,
// without actually submitting it — used by `ablate run --dry-run`.
type Preview struct {
	Condition string
	Replicate int
	Seed      uint32
}

// PlanReplicates returns the full (condition, replicate) cross product for
// replicates, in the deterministic order Run submits them.
func (sess *Session) PlanReplicates(replicates int) []Preview {
	conds := sess.conditions()
	out := make([]Preview, 0, len(conds)*replicates)
	for _, c := range conds {
		for r := 0; r < replicates; r++ {
			out = append(out, Preview{Condition: c, Replicate: r, Seed: sess.SeedBase + uint32(r)})
		}
	}
	return out
}

// Run expands sess's baseline + deltas across replicates into a batch of
// jobs: for each (condition, replicate) it materializes a config file,
// substitutes the command template, submits a job tagged
// ablate:<session_id>/condition:<c>/replicate:<r>, and records the
// resulting (run_id, job_id, ...) tuple on the session.
func (s *Store) Run(ctx context.Context, sub Submitter, sess *Session, commandTemplate []string, workDir string, replicates int) error {
	for _, p := range sess.PlanReplicates(replicates) {
		cfg := Expand(sess, p.Condition, p.Replicate)
		cfgPath, err := s.WriteConfig(sess, p.Condition, p.Replicate, cfg)
		if err != nil {
			return err
		}

		argv := substituteTemplate(commandTemplate, p.Seed, cfgPath)
		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal submitted config: %w", err)
		}

		name := fmt.Sprintf("%s-%s-%d", sess.Name, p.Condition, p.Replicate)
		tags := []string{
			"ablate:" + sess.ID,
			"condition:" + p.Condition,
			fmt.Sprintf("replicate:%d", p.Replicate),
		}

		job, err := sub.CreateJob(ctx, whirrstore.CreateJobParams{
			Argv: argv, WorkDir: workDir, Name: name,
			Tags: tags, Config: configJSON,
		})
		if err != nil {
			return fmt.Errorf("submit job for %s replicate %d: %w", p.Condition, p.Replicate, err)
		}

		runID := fmt.Sprintf("job-%d", job.ID)
		sess.Results = append(sess.Results, RunResult{
			RunID: runID, JobID: job.ID, Condition: p.Condition,
			Replicate: p.Replicate, Seed: p.Seed, Status: "queued",
		})
	}
	return s.Save(sess)
}
