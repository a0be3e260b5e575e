package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/whirr/internal/leasemonitor"
	"github.com/3leaps/whirr/internal/metrics"
	"github.com/3leaps/whirr/internal/observability"
	"github.com/3leaps/whirr/internal/scheduler"
	"github.com/3leaps/whirr/internal/server"
	"github.com/3leaps/whirr/internal/server/handlers"
	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/storefactory"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API host: storage, scheduler core, and lease monitor behind HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// identityHealthChecker verifies the process identity a serving binary
// needs was actually configured, so a misconfigured build fails /health
// instead of serving under the wrong name and env prefix.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return errors.New("missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("missing env prefix")
	}
	if c.configName == "" {
		return errors.New("missing config name")
	}
	return nil
}

// storeHealthChecker reports healthy so long as the storage backend can
// still list workers.
type storeHealthChecker struct {
	store whirrstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.store.GetWorkers(ctx)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := observability.CLILogger
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()

	identity := GetAppIdentity()
	idChecker := identityHealthChecker{}
	if identity != nil {
		idChecker = identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		}
	}
	hm.RegisterChecker("identity", idChecker)

	store, err := storefactory.Open(ctx, storageOptionsFromViper())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()
	hm.RegisterChecker("store", storeHealthChecker{store: store})

	sched := scheduler.New(store)

	monitor, err := leasemonitor.Start(store, viper.GetDuration("worker.lease_monitor_interval"), logger)
	if err != nil {
		return fmt.Errorf("start lease monitor: %w", err)
	}
	defer func() { _ = monitor.Stop() }()

	host := viper.GetString("server.host")
	port := viper.GetInt("server.port")
	srv := server.New(host, port)
	srv.Attach(store, sched, logger)
	server.SetVersion(versionInfo.Version)
	srv.SetClaimRateLimit(viper.GetFloat64("server.claim_rate_limit"))
	srv.SetRunsRoot(viper.GetString("worker.runs_root"))

	if viper.GetBool("metrics.enabled") {
		reg, promReg := metrics.NewRegistry()
		sched.SetMetrics(reg)
		srv.AttachMetrics(promReg)
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      srv.Handler(),
		ReadTimeout:  viper.GetDuration("server.read_timeout"),
		WriteTimeout: viper.GetDuration("server.write_timeout"),
		IdleTimeout:  viper.GetDuration("server.idle_timeout"),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func storageOptionsFromViper() storefactory.Options {
	mode := storefactory.Mode(viper.GetString("storage.mode"))
	if mode == "" {
		mode = storefactory.ModeEmbedded
	}
	return storefactory.Options{
		Mode:             mode,
		SQLitePath:       viper.GetString("storage.sqlite_path"),
		HeartbeatTimeout: viper.GetDuration("worker.heartbeat_timeout"),
		PostgresDSN:      viper.GetString("storage.postgres_dsn"),
		LeaseSeconds:     viper.GetInt("worker.lease_seconds"),
	}
}
