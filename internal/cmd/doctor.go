package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/whirr/internal/observability"
	"github.com/3leaps/whirr/internal/server/openapi"
	"github.com/3leaps/whirr/internal/storefactory"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configured storage backend and runs directory are usable",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	logger := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")

	allChecks := true

	goVersion := runtime.Version()
	logger.Info("checking go runtime", zap.String("go_version", goVersion))

	if _, err := openapi.Load(); err != nil {
		logger.Error("checking embedded OpenAPI document", zap.Error(err))
		allChecks = false
	} else {
		logger.Info("checking embedded OpenAPI document... ok")
	}

	ctx := cmd.Context()
	opts := storageOptionsFromViper()
	store, err := storefactory.Open(ctx, opts)
	if err != nil {
		logger.Error("checking storage backend: cannot open", zap.String("mode", string(opts.Mode)), zap.Error(err))
		allChecks = false
	} else {
		defer func() { _ = store.Close() }()
		if _, err := store.GetWorkers(ctx); err != nil {
			logger.Error("checking storage backend: query failed", zap.String("mode", string(opts.Mode)), zap.Error(err))
			allChecks = false
		} else {
			logger.Info("checking storage backend... ok", zap.String("mode", string(opts.Mode)))
		}
	}

	runsRoot := viper.GetString("worker.runs_root")
	if runsRoot == "" {
		runsRoot = ".whirr/runs"
	}
	if err := checkWritable(runsRoot); err != nil {
		logger.Error("checking runs directory writable", zap.String("runs_root", runsRoot), zap.Error(err))
		allChecks = false
	} else {
		logger.Info("checking runs directory writable... ok", zap.String("runs_root", runsRoot))
	}

	ablationRoot := viper.GetString("ablation.root")
	if ablationRoot == "" {
		ablationRoot = ".whirr/ablations"
	}
	if err := checkWritable(ablationRoot); err != nil {
		logger.Error("checking ablation directory writable", zap.String("ablation_root", ablationRoot), zap.Error(err))
		allChecks = false
	} else {
		logger.Info("checking ablation directory writable... ok", zap.String("ablation_root", ablationRoot))
	}

	if allChecks {
		logger.Info(fmt.Sprintf("all checks passed, %s installation is healthy", bannerName))
		return nil
	}
	return exitError(invalidArgument, "doctor found unhealthy checks", fmt.Errorf("see log output above"))
}

// checkWritable ensures dir exists (creating it if necessary) and that a
// temp file can be written and removed inside it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".whirr-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
