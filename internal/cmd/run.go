package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/whirr/internal/client"
	"github.com/3leaps/whirr/internal/recorder"
	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/storefactory"
)

var runAPIHost string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect recorded runs",
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's storage row",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runMetricsCmd = &cobra.Command{
	Use:   "metrics <run-id>",
	Short: "Print a run's metrics.jsonl as a JSON array",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunMetrics,
}

var runArtifactsCmd = &cobra.Command{
	Use:   "artifacts <run-id> [artifact-path]",
	Short: "List a run's saved artifacts, or print one to stdout",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRunArtifacts,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runShowCmd, runMetricsCmd, runArtifactsCmd)
	runCmd.PersistentFlags().StringVar(&runAPIHost, "api", "", "API host base URL; if unset, opens storage directly")
}

func runRunShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]

	var run *whirrstore.Run
	var err error
	if runAPIHost != "" {
		run, err = client.New(runAPIHost).GetRun(ctx, runID)
	} else {
		var store whirrstore.Store
		store, err = openStore(ctx)
		if err == nil {
			defer func() { _ = store.Close() }()
			run, err = store.GetRun(ctx, runID)
		}
	}
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %q not found", runID)
	}

	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func runRunMetrics(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]

	if runAPIHost != "" {
		records, err := client.New(runAPIHost).GetRunMetrics(ctx, runID)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %q not found", runID)
	}

	records, err := recorder.ReadMetrics(run.RunDir + "/metrics.jsonl")
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// runRunArtifacts lists a run's artifacts directory, or, given a second
// argument, streams one artifact's bytes to stdout.
func runRunArtifacts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]
	var relPath string
	if len(args) == 2 {
		relPath = args[1]
	}

	if runAPIHost != "" {
		c := client.New(runAPIHost)
		if relPath == "" {
			paths, err := c.ListRunArtifacts(ctx, runID)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		}
		data, err := c.GetRunArtifact(ctx, runID, relPath)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %q not found", runID)
	}
	artifactsDir := filepath.Join(run.RunDir, "artifacts")

	if relPath == "" {
		entries, err := os.ReadDir(artifactsDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("list artifacts: %w", err)
		}
		for _, e := range entries {
			fmt.Println(e.Name())
		}
		return nil
	}

	target := filepath.Join(artifactsDir, relPath)
	absArtifacts, err := filepath.Abs(artifactsDir)
	if err != nil {
		return err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	if absTarget != absArtifacts && !strings.HasPrefix(absTarget, absArtifacts+string(filepath.Separator)) {
		return fmt.Errorf("artifact path escapes artifacts directory")
	}

	f, err := os.Open(absTarget)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func openStore(ctx context.Context) (whirrstore.Store, error) {
	return storefactory.Open(ctx, storageOptionsFromViper())
}
