package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/whirr/internal/ablation"
	"github.com/3leaps/whirr/internal/scheduler"
	"github.com/3leaps/whirr/internal/storefactory"
)

var (
	ablateMetric       string
	ablateReplicates   int
	ablateBaselinePath string
	ablateDeltaAlias   string
	ablateWorkDir      string
	ablateDryRun       bool
	ablateCondition    string
)

var ablateCmd = &cobra.Command{
	Use:   "ablate",
	Short: "Drive ablation studies: baseline + deltas, expanded across replicates",
}

var ablateInitCmd = &cobra.Command{
	Use:   "init <name> --metric <metric> [--baseline <config.json>]",
	Short: "Create a new ablation session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAblateInit,
}

var ablateAddDeltaCmd = &cobra.Command{
	Use:   "add-delta <session> key=value [key=value...]",
	Short: "Add a named delta condition to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAblateAddDelta,
}

var ablateRunCmd = &cobra.Command{
	Use:   "run <session> -- <command template...>",
	Short: "Expand baseline+deltas across replicates and submit one job per condition replicate",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAblateRun,
}

var ablateRankCmd = &cobra.Command{
	Use:   "rank <session>",
	Short: "Rank a session's deltas by effect on its metric against baseline",
	Args:  cobra.ExactArgs(1),
	RunE:  runAblateRank,
}

func init() {
	rootCmd.AddCommand(ablateCmd)
	ablateCmd.AddCommand(ablateInitCmd, ablateAddDeltaCmd, ablateRunCmd, ablateRankCmd)

	ablateInitCmd.Flags().StringVar(&ablateMetric, "metric", "", "metric name used by `ablate rank` (required)")
	ablateInitCmd.Flags().StringVar(&ablateBaselinePath, "baseline", "", "path to a JSON baseline config (optional)")
	_ = ablateInitCmd.MarkFlagRequired("metric")

	ablateAddDeltaCmd.Flags().StringVar(&ablateDeltaAlias, "as", "", "name for this delta (defaults to its first key)")

	ablateRunCmd.Flags().IntVar(&ablateReplicates, "replicates", 0, "replicates per condition (defaults to the session's default)")
	ablateRunCmd.Flags().StringVar(&ablateWorkDir, "workdir", ".", "working directory for submitted jobs")
	ablateRunCmd.Flags().BoolVar(&ablateDryRun, "dry-run", false, "print the (condition, replicate, seed) plan without submitting jobs")

	ablateRankCmd.Flags().StringVar(&ablateCondition, "condition", "", "doublestar glob restricting ranking to matching delta condition names")
}

func ablationStore() *ablation.Store {
	root := viper.GetString("ablation.root")
	if root == "" {
		root = ".whirr/ablations"
	}
	return ablation.NewStore(root)
}

func runAblateInit(cmd *cobra.Command, args []string) error {
	name := args[0]
	store := ablationStore()

	replicates := viper.GetInt("ablation.default_replicates")
	sess, err := store.CreateSession(name, ablateMetric, replicates)
	if err != nil {
		return err
	}

	if ablateBaselinePath != "" {
		raw, err := os.ReadFile(ablateBaselinePath)
		if err != nil {
			return fmt.Errorf("read baseline config: %w", err)
		}
		var baseline map[string]any
		if err := json.Unmarshal(raw, &baseline); err != nil {
			return fmt.Errorf("parse baseline config: %w", err)
		}
		sess.Baseline = baseline
		if err := store.Save(sess); err != nil {
			return err
		}
	}

	fmt.Printf("created ablation session %q (id=%s, metric=%s)\n", sess.Name, sess.ID, sess.Metric)
	return nil
}

func runAblateAddDelta(cmd *cobra.Command, args []string) error {
	store := ablationStore()
	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}
	if err := store.AddDelta(sess, args[1:], ablateDeltaAlias); err != nil {
		return err
	}
	fmt.Printf("conditions: %s\n", strings.Join(append([]string{"baseline"}, sess.DeltaOrder...), ", "))
	return nil
}

func runAblateRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store := ablationStore()
	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}

	replicates := ablateReplicates
	if replicates <= 0 {
		replicates = sess.DefaultReplicates
	}

	if ablateDryRun {
		preview := sess.PlanReplicates(replicates)
		for _, p := range preview {
			fmt.Printf("%s\t%d\t%d\n", p.Condition, p.Replicate, p.Seed)
		}
		fmt.Printf("would submit %d jobs across %d condition(s)\n", len(preview), len(sess.DeltaOrder)+1)
		return nil
	}

	backingStore, err := storefactory.Open(ctx, storageOptionsFromViper())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = backingStore.Close() }()
	sched := scheduler.New(backingStore)

	workDir, err := filepath.Abs(ablateWorkDir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}
	if err := store.Run(ctx, sched, sess, args[1:], workDir, replicates); err != nil {
		return err
	}
	fmt.Printf("submitted %d jobs across %d condition(s)\n", len(sess.Results), len(sess.DeltaOrder)+1)
	return nil
}

func runAblateRank(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store := ablationStore()
	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}

	backingStore, err := storefactory.Open(ctx, storageOptionsFromViper())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = backingStore.Close() }()

	result, err := ablation.Rank(ctx, store, backingStore, sess)
	if err != nil {
		return err
	}

	if ablateCondition != "" {
		filtered := result.Effects[:0]
		for _, e := range result.Effects {
			if ok, _ := doublestar.Match(ablateCondition, e.Condition); ok {
				filtered = append(filtered, e)
			}
		}
		result.Effects = filtered
		result.Strongest = nil
		if len(result.Effects) > 0 {
			result.Strongest = &result.Effects[0]
		}
	}

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
