// Package cmd implements the whirr CLI: serve (the API host), worker run
// (the worker-loop launcher), job/run (scheduler and recorder clients),
// and ablate (the ablation driver), all built on cobra and backed by the
// layered viper configuration in internal/config.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/whirr/internal/observability"
)

// versionInfo is populated by SetVersionInfo, called from main with
// values baked in at build time via -ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{Version: "dev", Commit: "none", BuildDate: "unknown"}

// SetVersionInfo records the build's version metadata for `whirr version`
// and the API host's /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the binary for banners and the config/env lookup keys
// it binds to.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// SetAppIdentity installs the process-wide identity, called once from main.
func SetAppIdentity(id *AppIdentity) {
	appIdentity = id
}

// GetAppIdentity returns the process-wide identity, or nil before
// SetAppIdentity has run.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "whirr",
	Short: "A local-to-small-cluster experiment orchestrator",
	Long: `whirr schedules and runs experiment jobs, records their metrics and
artifacts, and drives ablation studies across a baseline and its deltas.

It can run as a single local process (embedded SQLite, in-process worker)
or split across a shared API host and any number of worker processes
talking to it over HTTP.`,
	SilenceUsage: true,
}

// Execute runs the root command, returning the same error cobra would
// print, so main can decide the process exit code.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .whirr/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-profile", "", "override logging.profile (console, json)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", rootCmd.PersistentFlags().Lookup("log-profile"))

	setDefaults()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".whirr")
	}

	viper.SetEnvPrefix("WHIRR")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			_, _ = fmt.Fprintf(os.Stderr, "whirr: reading config: %v\n", err)
		}
	}

	level := viper.GetString("logging.level")
	profile := viper.GetString("logging.profile")
	if logger, err := observability.New(observability.Config{Level: level, Profile: profile}); err == nil {
		observability.SetCLILogger(logger)
	}
}

// setDefaults seeds the global viper instance with every config key the
// CLI reads before a config file or environment variable overrides it.
// Mirrors internal/config.Config's shape; kept independent of it so the
// CLI's own flag-binding defaults don't require constructing a full Config.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.claim_rate_limit", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)

	viper.SetDefault("storage.mode", "embedded")
	viper.SetDefault("storage.sqlite_path", ".whirr/whirr.db")
	viper.SetDefault("storage.postgres_dsn", "")

	viper.SetDefault("worker.poll_interval", "5s")
	viper.SetDefault("worker.heartbeat_interval", "30s")
	viper.SetDefault("worker.heartbeat_timeout", "120s")
	viper.SetDefault("worker.kill_grace_period", "10s")
	viper.SetDefault("worker.lease_monitor_interval", "30s")
	viper.SetDefault("worker.runs_root", ".whirr/runs")
	viper.SetDefault("worker.lease_seconds", 60)

	viper.SetDefault("ablation.default_replicates", 20)
	viper.SetDefault("ablation.root", ".whirr/ablations")
}
