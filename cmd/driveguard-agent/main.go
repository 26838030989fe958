// Package main is the entrypoint for the DriveGuard agent CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"driveguard/internal/api"
	"driveguard/internal/backup"
	"driveguard/internal/config"
	"driveguard/internal/devices"
	"driveguard/internal/engine"
	"driveguard/internal/history"
	"driveguard/internal/keychain"
	"driveguard/internal/metrics"
	"driveguard/internal/notify"
	"driveguard/internal/schedule"
	"driveguard/internal/state"
	"driveguard/internal/watcher"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driveguard-agent",
		Short: "DriveGuard - automatic encrypted backups to removable drives",
		Long: `DriveGuard watches for trusted removable drives, backs up your files to
an encrypted repository on the drive when it is plugged in, and serves a
local control plane for frontends.

Run 'driveguard-agent start' to launch the agent.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newStartCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("DriveGuard Agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultPath()
			if err != nil {
				return err
			}
			cfg, err := config.NewStore(path).Load()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})
	return cmd
}

func newStartCmd() *cobra.Command {
	var (
		addr    string
		debug   bool
		cfgPath string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if debug {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

			return runAgent(addr, cfgPath, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", api.DefaultAddr, "control plane listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the configuration file")
	return cmd
}

func runAgent(addr, cfgPath string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}
	store := config.NewStore(cfgPath)
	cfg, err := store.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st := state.New(cfg, store)

	restic, err := engine.Resolve(cfg.ResticPath, logger)
	if err != nil {
		logger.Warn().Msg("restic binary not found; backups will fail until restic is installed")
		// Keep a usable handle; invocations fail with a clear error instead
		// of the agent refusing to start.
		restic, _ = engine.Resolve("restic", logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	agentMetrics := metrics.New(registry)

	runs, err := history.Open(filepath.Join(filepath.Dir(cfgPath), "history.db"))
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer runs.Close()

	notifier := notify.New(true, logger)
	runner := backup.NewRunner(st, restic, runs, notifier, agentMetrics, logger)
	runner.Passphrase = keychain.Get

	scanner := devices.NewScanner(logger)
	hotplug := watcher.New(scanner, st, runner, notifier, agentMetrics, logger)

	scheduler := schedule.New(func() {
		for _, drive := range st.ConnectedDrives() {
			go runner.RunAuto(context.Background(), drive.DriveID)
		}
	}, logger)
	if err := scheduler.Start(cfg.BackupSchedule); err != nil {
		logger.Warn().Err(err).Msg("backup schedule not started")
	}
	// OnScheduleChange swaps the scheduler, so resolve it at shutdown time.
	defer func() { scheduler.Stop() }()

	server := api.NewServer(st, restic, scanner, runner, keychainAdapter{}, runs, registry, Version, logger)
	server.OnScheduleChange = func(expr string) error {
		scheduler.Stop()
		scheduler = schedule.New(func() {
			for _, drive := range st.ConnectedDrives() {
				go runner.RunAuto(context.Background(), drive.DriveID)
			}
		}, logger)
		return scheduler.Start(expr)
	}

	go hotplug.Run(ctx)

	logger.Info().Str("version", Version).Msg("agent started")
	return server.Serve(ctx, addr)
}

// keychainAdapter bridges the package-level keychain functions to the API's
// interface.
type keychainAdapter struct{}

func (keychainAdapter) Store(driveID, passphrase string) error { return keychain.Store(driveID, passphrase) }
func (keychainAdapter) Get(driveID string) (string, error)     { return keychain.Get(driveID) }
func (keychainAdapter) Delete(driveID string) error            { return keychain.Delete(driveID) }
func (keychainAdapter) DeleteAll(driveIDs []string) error      { return keychain.DeleteAll(driveIDs) }
