package recorder

import "time"

// GitInfo is the repository snapshot captured at run start.
type GitInfo struct {
	Commit    string  `json:"commit"`
	ShortHash string  `json:"short_hash"`
	Branch    string  `json:"branch"`
	Dirty     bool    `json:"dirty"`
	Remote    *string `json:"remote,omitempty"`
}

// Meta is the contents of meta.json: a cached view over the run's storage
// row. The row is the source of truth; meta.json can always be rebuilt
// from it.
type Meta struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Tags              []string       `json:"tags"`
	StartedAt         string         `json:"started_at"`
	FinishedAt        *string        `json:"finished_at,omitempty"`
	Status            string         `json:"status"`
	Summary           map[string]any `json:"summary,omitempty"`
	ConfigFile        string         `json:"config_file"`
	MetricsFile       string         `json:"metrics_file"`
	ArtifactsDir      string         `json:"artifacts_dir"`
	Git               *GitInfo       `json:"git,omitempty"`
	GitFile           *string        `json:"git_file,omitempty"`
	RequirementsFile  *string        `json:"requirements_file,omitempty"`
	ModuleCount       *int           `json:"module_count,omitempty"`
	SystemMetricsFile *string        `json:"system_metrics_file,omitempty"`
}

// MetricRecord is one line of metrics.jsonl. Reserved fields `_idx` and
// `_timestamp` are always present; everything else the caller logged rides
// along in Values.
type MetricRecord struct {
	Idx       int            `json:"_idx"`
	Timestamp string         `json:"_timestamp"`
	Step      *int           `json:"step,omitempty"`
	Values    map[string]any `json:"-"`
}

// Options configures a new Recorder.
type Options struct {
	Name             string
	Config           map[string]any
	Tags             []string
	RunID            string
	RunDir           string
	JobID            *int64
	SystemMetrics    bool
	SystemMetricsInt time.Duration
	CaptureGit       bool
	CaptureModules   bool
}
