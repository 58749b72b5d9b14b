// ABOUTME: Background sync daemon: keeps the local kennel cache converged with the remote store.
// ABOUTME: Wraps the kennel library with config loading, rotated logging, and signal handling.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/BSD-GSVCI/Doggy-DayCare-sub004/kennel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "kennelsyncd",
		Short: "Background sync daemon for the kennel cache",
		Long: `kennelsyncd keeps the local cache of profiles and sessions converged
with the remote store. It restores the last warm-cache checkpoint on
startup, pulls remote changes on a fixed interval, and checkpoints the
snapshot, pending operations, and sync cursor after each cycle.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.kennelsyncd.yaml)")
	cmd.Flags().String("db", "kennel.db", "path to the local cache database")
	cmd.Flags().String("remote", "", "base URL of the remote store")
	cmd.Flags().String("token", "", "bearer token for the remote store")
	cmd.Flags().String("device", "", "device id reported to the remote store")
	cmd.Flags().Duration("interval", 15*time.Second, "pull interval")
	cmd.Flags().Duration("min-freshness", 30*time.Second, "skip unforced cycles fresher than this")
	cmd.Flags().String("log-file", "", "log file path (stderr when empty)")
	cmd.Flags().Bool("debug", false, "enable debug logging")

	return cmd
}

func initConfig(cmd *cobra.Command, cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".kennelsyncd")
			viper.SetConfigType("yaml")
		}
	}
	viper.SetEnvPrefix("KENNELSYNC")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.ReadInConfig(); err != nil {
		// Only an explicitly named config file must exist.
		if cfgFile != "" {
			return err
		}
	}
	return nil
}

func runDaemon(ctx context.Context) error {
	logger := newLogger(viper.GetString("log-file"), viper.GetBool("debug"))

	remoteURL := viper.GetString("remote")
	if remoteURL == "" {
		return fmt.Errorf("remote store URL required (--remote or KENNELSYNC_REMOTE)")
	}

	store, err := kennel.OpenStore(viper.GetString("db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	cache := kennel.NewCache(logger)
	ledger := kennel.NewLedger()

	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	defer loadCancel()
	if err := store.LoadSnapshot(loadCtx, cache); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := store.LoadPendingOps(loadCtx, ledger); err != nil {
		return fmt.Errorf("restore pending operations: %w", err)
	}
	logger.Info("warm cache restored", "entities", cache.Len(), "pending", ledger.Len())

	client := kennel.NewClient(kennel.ClientConfig{
		BaseURL:   remoteURL,
		AuthToken: viper.GetString("token"),
		DeviceID:  viper.GetString("device"),
	})

	sched := kennel.NewScheduler(cache, ledger, client, store, kennel.SchedulerConfig{
		Interval:     viper.GetDuration("interval"),
		MinFreshness: viper.GetDuration("min-freshness"),
	}, logger)

	sched.Start()
	sched.Force()
	logger.Info("kennelsyncd started", "remote", remoteURL, "interval", viper.GetDuration("interval"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	// Stop is synchronous: no timer fires after it returns.
	sched.Stop()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := store.SaveSnapshot(saveCtx, cache); err != nil {
		logger.Error("final checkpoint failed", "error", err)
	}
	if err := store.SavePendingOps(saveCtx, ledger.Snapshot()); err != nil {
		logger.Error("persisting pending operations failed", "error", err)
	}

	status := sched.Status()
	logger.Info("kennelsyncd stopped", "last_sync", status.LastSync, "entities", status.Entities)
	return nil
}

func newLogger(path string, debug bool) *slog.Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
