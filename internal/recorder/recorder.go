// Package recorder tracks one run's on-disk record: append-only
// metrics.jsonl, a rebuildable meta.json cache, config/artifact capture,
// and best-effort environment snapshotting (git, module versions).
package recorder

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/sysmetrics"
)

func utcNow() string { return time.Now().UTC().Format("2006-01-02T15:04:05Z") }

// Recorder tracks one run: metrics, summary, artifacts, and metadata. A nil
// Store is valid (direct/local runs outside a whirr-managed job never touch
// the database); callers that want persistence pass one explicitly.
type Recorder struct {
	store whirrstore.Store

	mu        sync.Mutex
	finished  bool
	metricIdx int
	summary   map[string]any
	status    string

	runID      string
	runDir     string
	name       string
	config     map[string]any
	tags       []string
	jobID      *int64
	startedAt  time.Time
	finishedAt *time.Time

	artifactsDir string
	metricsPath  string
	metaPath     string
	configPath   string

	gitInfo          *GitInfo
	requirements     []string
	requirementsPath string

	sysSampler *sysmetrics.Sampler
}

// Init opens the run the current process should attach to. Inside a
// worker-spawned job the WHIRR_RUN_DIR/WHIRR_RUN_ID/WHIRR_JOB_ID variables
// name it; outside one, a fresh local-<timestamp>-<suffix> run is
// allocated under runsRoot.
func Init(ctx context.Context, store whirrstore.Store, runsRoot string, opts Options) (*Recorder, error) {
	if opts.RunDir == "" {
		if dir := os.Getenv("WHIRR_RUN_DIR"); dir != "" {
			opts.RunDir = dir
			if opts.RunID == "" {
				opts.RunID = os.Getenv("WHIRR_RUN_ID")
			}
			if opts.JobID == nil {
				if id, err := strconv.ParseInt(os.Getenv("WHIRR_JOB_ID"), 10, 64); err == nil {
					opts.JobID = &id
				}
			}
		} else {
			if runsRoot == "" {
				runsRoot = ".whirr/runs"
			}
			id, err := newLocalRunID()
			if err != nil {
				return nil, err
			}
			opts.RunID = id
			opts.RunDir = filepath.Join(runsRoot, id)
		}
	}
	if abs, err := filepath.Abs(opts.RunDir); err == nil {
		opts.RunDir = abs
	}
	return New(ctx, store, opts)
}

const localRunIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newLocalRunID allocates a direct-run identity: local-<UTC timestamp>-<6
// random chars>, distinct from the job-<id> scheme reserved for
// worker-executed jobs.
func newLocalRunID() (string, error) {
	suffix := make([]byte, 6)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(localRunIDAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate run id: %w", err)
		}
		suffix[i] = localRunIDAlphabet[n.Int64()]
	}
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("local-%s-%s", ts, suffix), nil
}

// New creates the run directory structure, snapshots config/git/modules,
// and (if store is non-nil) registers the run row.
func New(ctx context.Context, store whirrstore.Store, opts Options) (*Recorder, error) {
	if opts.RunDir == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	runID := opts.RunID
	if runID == "" {
		runID = filepath.Base(opts.RunDir)
	}
	name := opts.Name
	if name == "" {
		name = runID
	}

	r := &Recorder{
		store:     store,
		status:    "running",
		runID:     runID,
		runDir:    opts.RunDir,
		name:      name,
		config:    opts.Config,
		tags:      opts.Tags,
		jobID:     opts.JobID,
		startedAt: time.Now().UTC(),
	}
	r.artifactsDir = filepath.Join(r.runDir, "artifacts")
	r.metricsPath = filepath.Join(r.runDir, "metrics.jsonl")
	r.metaPath = filepath.Join(r.runDir, "meta.json")
	r.configPath = filepath.Join(r.runDir, "config.json")

	if err := os.MkdirAll(r.artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	configJSON, err := json.MarshalIndent(r.config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(r.configPath, configJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write config.json: %w", err)
	}

	if opts.CaptureGit {
		if info := captureGitInfo(); info != nil {
			r.gitInfo = info
			if b, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = os.WriteFile(filepath.Join(r.runDir, "git.json"), b, 0o644)
			}
		}
	}

	if opts.CaptureModules {
		// debug.ReadBuildInfo() lists every module version linked into
		// this binary, the closest equivalent of a dependency freeze for a
		// compiled program.
		if mods := captureModuleVersions(); len(mods) > 0 {
			r.requirements = mods
			r.requirementsPath = filepath.Join(r.runDir, "requirements.txt")
			_ = os.WriteFile(r.requirementsPath, []byte(strings.Join(mods, "\n")+"\n"), 0o644)
		}
	}

	if err := r.writeMeta(); err != nil {
		return nil, err
	}

	if store != nil {
		_, err := store.CreateRun(ctx, whirrstore.CreateRunParams{
			ID: r.runID, JobID: r.jobID, Name: r.name,
			Config: configJSON, Tags: r.tags, RunDir: r.runDir,
		})
		if err != nil {
			return nil, fmt.Errorf("create run row: %w", err)
		}
	}

	if opts.SystemMetrics {
		interval := opts.SystemMetricsInt
		if interval <= 0 {
			interval = 10 * time.Second
		}
		sampler, err := sysmetrics.Start(r.runDir, interval)
		if err == nil {
			r.sysSampler = sampler
		}
	}

	return r, nil
}

// Log appends one metrics.jsonl entry and advances the monotonic index.
func (r *Recorder) Log(metrics map[string]any, step *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return fmt.Errorf("cannot log to a finished run")
	}

	record := MetricRecord{Idx: r.metricIdx, Timestamp: utcNow(), Step: step, Values: metrics}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal metric record: %w", err)
	}

	f, err := os.OpenFile(r.metricsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics.jsonl: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write metric record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush metric record: %w", err)
	}

	r.metricIdx++
	return nil
}

// Summary sets the final display metrics for this run and rewrites meta.json.
func (r *Recorder) Summary(metrics map[string]any) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return fmt.Errorf("cannot set summary on a finished run")
	}
	r.summary = metrics
	r.mu.Unlock()
	return r.writeMeta()
}

// SaveArtifact copies source into the run's artifacts directory under
// destName (or source's basename) and returns the destination path.
// destName is rejected if it would escape the artifacts directory, since
// a caller-supplied name must never let a run write outside its own tree.
func (r *Recorder) SaveArtifact(sourcePath, destName string) (string, error) {
	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return "", fmt.Errorf("cannot save artifacts to a finished run")
	}

	if destName == "" {
		destName = filepath.Base(sourcePath)
	}
	dest := filepath.Join(r.artifactsDir, destName)
	cleanDest, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	absArtifacts, err := filepath.Abs(r.artifactsDir)
	if err != nil {
		return "", err
	}
	if cleanDest != absArtifacts && !strings.HasPrefix(cleanDest, absArtifacts+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact destination %q escapes artifacts directory", destName)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open artifact source: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(cleanDest), 0o755); err != nil {
		return "", fmt.Errorf("create artifact subdirectory: %w", err)
	}
	out, err := os.Create(cleanDest)
	if err != nil {
		return "", fmt.Errorf("create artifact destination: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close artifact destination: %w", err)
	}
	if info, err := os.Stat(sourcePath); err == nil {
		// Keep the source's mtime so artifact timestamps reflect when the
		// file was produced, not when it was archived.
		_ = os.Chtimes(cleanDest, info.ModTime(), info.ModTime())
	}
	return cleanDest, nil
}

// Finish marks the run complete. Idempotent: the second and later calls
// are no-ops.
func (r *Recorder) Finish(ctx context.Context, status string) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	if r.sysSampler != nil {
		r.sysSampler.Stop()
	}
	now := time.Now().UTC()
	r.finished = true
	r.finishedAt = &now
	r.status = status
	r.mu.Unlock()

	if err := r.writeMeta(); err != nil {
		return err
	}

	if r.store != nil {
		runStatus := whirrstore.RunCompleted
		if status == "failed" {
			runStatus = whirrstore.RunFailed
		}
		var summaryJSON []byte
		r.mu.Lock()
		if r.summary != nil {
			summaryJSON, _ = json.Marshal(r.summary)
		}
		r.mu.Unlock()
		if err := r.store.CompleteRun(ctx, r.runID, runStatus, summaryJSON); err != nil {
			return fmt.Errorf("complete run row: %w", err)
		}
	}
	return nil
}

// Finished reports whether Finish has already run.
func (r *Recorder) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Recorder) writeMeta() error {
	r.mu.Lock()
	meta := Meta{
		ID:           r.runID,
		Name:         r.name,
		Tags:         r.tags,
		StartedAt:    r.startedAt.Format("2006-01-02T15:04:05Z"),
		Status:       "running",
		Summary:      r.summary,
		ConfigFile:   "config.json",
		MetricsFile:  "metrics.jsonl",
		ArtifactsDir: "artifacts",
	}
	if r.finished {
		meta.Status = r.status
		if r.finishedAt != nil {
			ts := r.finishedAt.Format("2006-01-02T15:04:05Z")
			meta.FinishedAt = &ts
		}
	}
	if r.gitInfo != nil {
		meta.Git = r.gitInfo
		f := "git.json"
		meta.GitFile = &f
	}
	if r.requirementsPath != "" {
		f := "requirements.txt"
		meta.RequirementsFile = &f
		count := len(r.requirements)
		meta.ModuleCount = &count
	}
	if r.sysSampler != nil {
		f := "system.jsonl"
		meta.SystemMetricsFile = &f
	}
	r.mu.Unlock()

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return os.WriteFile(r.metaPath, b, 0o644)
}

// ReadMetrics parses metrics.jsonl, silently skipping any line that fails
// to decode: a crash mid-write leaves a truncated final line, and that
// must not break later analysis of the complete records before it.
func ReadMetrics(path string) ([]MetricRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []MetricRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec MetricRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// ReadMeta reads meta.json from a run directory, or returns nil if absent.
func ReadMeta(runDir string) (*Meta, error) {
	b, err := os.ReadFile(filepath.Join(runDir, "meta.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode meta.json: %w", err)
	}
	return &m, nil
}

func runGit(args []string, timeout time.Duration) (string, bool) {
	path, err := exec.LookPath("git")
	if err != nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func captureGitInfo() *GitInfo {
	const timeout = 5 * time.Second
	if _, ok := runGit([]string{"rev-parse", "--is-inside-work-tree"}, timeout); !ok {
		return nil
	}
	commit, ok := runGit([]string{"rev-parse", "HEAD"}, timeout)
	if !ok {
		return nil
	}
	shortHash, ok := runGit([]string{"rev-parse", "--short", "HEAD"}, timeout)
	if !ok {
		return nil
	}
	statusOut, ok := runGit([]string{"status", "--porcelain"}, timeout)
	if !ok {
		return nil
	}
	branch, ok := runGit([]string{"rev-parse", "--abbrev-ref", "HEAD"}, timeout)
	if !ok {
		return nil
	}
	info := &GitInfo{
		Commit:    commit,
		ShortHash: shortHash,
		Branch:    branch,
		Dirty:     statusOut != "",
	}
	if remote, ok := runGit([]string{"remote", "get-url", "origin"}, timeout); ok && remote != "" {
		info.Remote = &remote
	}
	return info
}

func captureModuleVersions() []string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	lines := make([]string, 0, len(info.Deps)+1)
	lines = append(lines, fmt.Sprintf("%s %s", info.Main.Path, info.Main.Version))
	for _, dep := range info.Deps {
		lines = append(lines, fmt.Sprintf("%s %s", dep.Path, dep.Version))
	}
	return lines
}
