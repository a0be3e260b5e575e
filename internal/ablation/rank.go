package ablation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/3leaps/whirr/internal/recorder"
	whirrstore "github.com/3leaps/whirr/internal/store"
)

// RunLookup resolves run status and run_dir for a RunResult, so the
// ranker can find the run's metric value without depending on the
// scheduler or storage packages directly.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (*whirrstore.Run, error)
}

// ConditionSummary aggregates one condition's resolved metric values.
type ConditionSummary struct {
	Condition string
	N         int
	Mean      float64
	Values    []float64
}

// Effect is the ranked comparison of one delta condition against baseline.
type Effect struct {
	Condition string
	Effect    float64 // mean(delta) - mean(baseline)
	N         int
}

// RankResult is the full output of one ranking pass.
type RankResult struct {
	Metric        string
	Baseline      ConditionSummary
	Effects       []Effect // sorted by |Effect| descending, ties by insertion order
	Strongest     *Effect
	PendingCount  int
	FailedCount   int
	NoMetricCount int
}

// Rank resolves each recorded run's metric value, aggregates by condition,
// and ranks deltas by |effect| against baseline. It mutates sess.Results
// in place with each run's resolved status/metric and persists the session
// before returning.
func Rank(ctx context.Context, store *Store, lookup RunLookup, sess *Session) (*RankResult, error) {
	byCondition := map[string][]float64{}
	var pending, failed, noMetric int

	for i := range sess.Results {
		rr := &sess.Results[i]
		run, err := lookup.GetRun(ctx, rr.RunID)
		if err != nil || run == nil {
			rr.Status = "pending"
			pending++
			continue
		}

		switch run.Status {
		case whirrstore.RunRunning:
			rr.Status = "running"
			pending++
			continue
		case whirrstore.RunFailed:
			rr.Status = "failed"
		case whirrstore.RunCompleted:
			rr.Status = "completed"
		}

		value, ok := resolveMetric(run, sess.Metric)
		if !ok {
			rr.Outcome = "no_metric"
			if rr.Status == "failed" {
				failed++
			} else {
				noMetric++
			}
			continue
		}
		if rr.Status == "failed" {
			failed++
			continue
		}

		rr.MetricValue = &value
		rr.Outcome = ""
		byCondition[rr.Condition] = append(byCondition[rr.Condition], value)
	}

	if err := store.Save(sess); err != nil {
		return nil, err
	}

	baselineValues, ok := byCondition["baseline"]
	if !ok || len(baselineValues) == 0 {
		return nil, fmt.Errorf("ablation session %q has no baseline metric values yet", sess.Name)
	}
	baselineMean := mean(baselineValues)

	effects := make([]Effect, 0, len(sess.DeltaOrder))
	for _, cond := range sess.DeltaOrder {
		values := byCondition[cond]
		if len(values) == 0 {
			continue
		}
		effects = append(effects, Effect{
			Condition: cond,
			Effect:    mean(values) - baselineMean,
			N:         len(values),
		})
	}

	sort.SliceStable(effects, func(i, j int) bool {
		return absF(effects[i].Effect) > absF(effects[j].Effect)
	})

	result := &RankResult{
		Metric: sess.Metric,
		Baseline: ConditionSummary{
			Condition: "baseline", N: len(baselineValues), Mean: baselineMean, Values: baselineValues,
		},
		Effects:       effects,
		PendingCount:  pending,
		FailedCount:   failed,
		NoMetricCount: noMetric,
	}
	if len(effects) > 0 {
		result.Strongest = &effects[0]
	}
	return result, nil
}

// resolveMetric looks the metric up in the run's summary first, falling
// back to the last occurrence of the metric in metrics.jsonl.
func resolveMetric(run *whirrstore.Run, metric string) (float64, bool) {
	if len(run.Summary) > 0 {
		var summary map[string]any
		if err := json.Unmarshal(run.Summary, &summary); err == nil {
			if v, ok := summary[metric]; ok {
				if f, ok := toFloat(v); ok {
					return f, true
				}
			}
		}
	}

	records, err := recorder.ReadMetrics(run.RunDir + "/metrics.jsonl")
	if err != nil {
		return 0, false
	}
	for i := len(records) - 1; i >= 0; i-- {
		if v, ok := records[i].Values[metric]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
