// Package main is the entry point for the polis-monitor binary. It runs the
// recording proxy with its monitoring pipeline, or queries a running one.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-monitor/pkg/config"
	"github.com/polisai/polis-monitor/pkg/logging"
	"github.com/polisai/polis-monitor/pkg/monitor"
	"github.com/polisai/polis-monitor/pkg/pipeline"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

const (
	defaultAdminURL          = "http://localhost:9464"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-monitor",
		Short: "Recording proxy with live traffic monitoring",
		Long: `polis-monitor forwards HTTP and CONNECT traffic, records every exchange,
and keeps the monitoring pipeline within its memory, log and resource budgets.

Example:
  polis-monitor run --config monitor.yaml
  polis-monitor snapshot --admin-url http://localhost:9464`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newRunCmd(), newSnapshotCmd())
	return rootCmd
}

// runOptions holds the parsed flags of the run command.
type runOptions struct {
	ConfigPath string
	EnvFile    string
	ProxyAddr  string
	AdminAddr  string
	LogLevel   string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy and monitoring pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", ".env", "Environment file loaded before configuration")
	cmd.Flags().StringVar(&opts.ProxyAddr, "proxy-addr", "", "Proxy listen address (overrides config)")
	cmd.Flags().StringVar(&opts.AdminAddr, "admin-addr", "", "Admin listen address (overrides config)")
	cmd.Flags().StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	return cmd
}

// buildConfig loads the environment file and configuration, then applies
// flag overrides, which take precedence over both.
func buildConfig(opts *runOptions) (*config.Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.ProxyAddr != "" {
		cfg.Server.ProxyAddress = opts.ProxyAddr
	}
	if opts.AdminAddr != "" {
		cfg.Server.AdminAddress = opts.AdminAddr
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func runMonitor(ctx context.Context, opts *runOptions) error {
	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	var pipelineOpts []pipeline.Option
	if opts.ConfigPath != "" {
		pipelineOpts = append(pipelineOpts, pipeline.WithConfigWatch(opts.ConfigPath))
	}
	p, err := pipeline.New(cfg, logger, pipelineOpts...)
	if err != nil {
		return err
	}

	logger.Info("starting polis-monitor",
		"proxy_address", cfg.Server.ProxyAddress,
		"admin_address", cfg.Server.AdminAddress,
		"upstream_proxy", cfg.Server.UpstreamProxy,
		"log_level", cfg.Logging.Level,
	)
	if err := p.Run(ctx); err != nil {
		return err
	}
	logger.Info("polis-monitor stopped")
	return nil
}

func newSnapshotCmd() *cobra.Command {
	var adminURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the performance score, alerts and recommendations of a running monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := fetchReport(cmd.Context(), adminURL, timeout)
			if err != nil {
				return err
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminURL, "admin-url", defaultAdminURL, "Base URL of the admin server")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func fetchReport(ctx context.Context, adminURL string, timeout time.Duration) (monitor.Report, error) {
	var report monitor.Report
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(adminURL, "/")+"/report", nil)
	if err != nil {
		return report, fmt.Errorf("build report request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return report, fmt.Errorf("fetch report: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return report, fmt.Errorf("fetch report: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

func renderReport(w io.Writer, report monitor.Report) {
	snap := report.Snapshot

	scoreColor := color.New(color.FgGreen, color.Bold)
	switch {
	case snap.Score < monitor.DefaultCriticalScore:
		scoreColor = color.New(color.FgRed, color.Bold)
	case snap.Score < monitor.DefaultMinScore:
		scoreColor = color.New(color.FgYellow, color.Bold)
	}
	_, _ = scoreColor.Fprintf(w, "Performance score: %.1f\n", snap.Score)

	fmt.Fprintf(w, "Entries: %d/%d  Memory: %.1f MB (%.0f%%)\n",
		snap.Memory.Entries, snap.Memory.MaxEntries, snap.Memory.Usage.ProcessMB, snap.Memory.UsagePercent)
	fmt.Fprintf(w, "Queue: %d queued, %d evicted  Throttle: %d allowed, %d deferred, %d dropped\n",
		snap.Queue.Depth, snap.Queue.Evicted, snap.Throttle.Allowed, snap.Throttle.Deferred, snap.Throttle.Dropped)

	if len(snap.Alerts) == 0 {
		_, _ = color.New(color.FgGreen).Fprintln(w, "No alerts")
	} else {
		alertColor := color.New(color.FgRed)
		for _, kind := range snap.Alerts {
			_, _ = alertColor.Fprintf(w, "ALERT %s\n", kind)
		}
	}

	if len(report.Optimizations) > 0 {
		last := report.Optimizations[len(report.Optimizations)-1]
		fmt.Fprintf(w, "Last optimization (%s): %d entries removed, %d resources reclaimed, score %.1f -> %.1f\n",
			last.Trigger, last.EntriesRemoved, last.ResourcesReclaimed, last.ScoreBefore, last.ScoreAfter)
	}
	hint := color.New(color.FgCyan)
	for _, rec := range report.Recommendations {
		_, _ = hint.Fprintf(w, "- %s\n", rec)
	}
}
