package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/whirr/internal/client"
	"github.com/3leaps/whirr/internal/observability"
	"github.com/3leaps/whirr/internal/storefactory"
	"github.com/3leaps/whirr/internal/worker"
)

var (
	workerAPIHost string
	workerID      string
	workerGPU     int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage worker processes",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker loop: claim, spawn, and report jobs until shut down",
	RunE:  runWorkerRun,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().StringVar(&workerAPIHost, "api", "", "API host base URL (e.g. http://localhost:8080); if unset, opens storage directly")
	workerRunCmd.Flags().StringVar(&workerID, "id", "", "worker id (defaults to hostname-pid)")
	workerRunCmd.Flags().IntVar(&workerGPU, "gpu", -1, "GPU index this worker is pinned to (-1 for none)")
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := observability.CLILogger

	id := workerID
	if id == "" {
		hostname, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	var backend worker.SchedulerClient
	if workerAPIHost != "" {
		backend = client.New(workerAPIHost)
	} else {
		store, err := storefactory.Open(ctx, storageOptionsFromViper())
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer func() { _ = store.Close() }()
		backend = store
	}

	var gpuIndex *int
	if workerGPU >= 0 {
		gpuIndex = &workerGPU
	}

	cfg := worker.Config{
		WorkerID:          id,
		RunsRoot:          viper.GetString("worker.runs_root"),
		PollInterval:      viper.GetDuration("worker.poll_interval"),
		HeartbeatInterval: viper.GetDuration("worker.heartbeat_interval"),
		LeaseSeconds:      int(viper.GetDuration("worker.heartbeat_timeout").Seconds()),
		KillGracePeriod:   viper.GetDuration("worker.kill_grace_period"),
		GPUIndex:          gpuIndex,
	}

	w := worker.New(backend, cfg, logger)
	return w.Run(ctx, true)
}
