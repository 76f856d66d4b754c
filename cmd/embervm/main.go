package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/embervm/internal/config"
	"github.com/terrpan/embervm/internal/health"
	"github.com/terrpan/embervm/internal/lifecycle"
	otelsetup "github.com/terrpan/embervm/internal/otel"
	"github.com/terrpan/embervm/internal/workspace"
)

var (
	cfgPath   string
	logLevel  string
	logFormat string

	deployOpts   config.DeployOptions
	undeployOpts config.UndeployOptions
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "embervm",
	Short: "Ephemeral VM deployer -- apply a template, run a startup script, destroy on exit",
	Long: `embervm provisions a single ephemeral VM through a pluggable
provisioning backend (Terraform, GCP Compute Engine, Docker), optionally
runs a startup script on it, and destroys it exactly once when the
process exits -- whether that exit is a Ctrl+C, a SIGTERM, or a fault.

Configuration is read from a YAML file (--config) with CLI flag
overrides for the most common settings.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy an ephemeral VM and destroy it on exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(cmd.Context())
	},
}

var undeployCmd = &cobra.Command{
	Use:   "undeploy",
	Short: "Destroy an existing ephemeral VM deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUndeploy(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	df := deployCmd.Flags()
	df.StringVarP(&deployOpts.Provider, "provider", "c", "", "Cloud provider to deploy to (aws, gcp, hetzner)")
	df.StringVarP(&deployOpts.InstanceType, "instance-type", "i", "", "Instance type (default: t3.micro for AWS, f1-micro for GCP, cx11 for Hetzner)")
	df.StringVarP(&deployOpts.Region, "region", "r", "", "Cloud region (empty: pick one at random)")
	df.StringVarP(&deployOpts.ScriptPath, "script", "s", "", "Path to a Bash script to execute on VM startup")
	df.StringArrayVarP(&deployOpts.InboundRules, "inbound-rule", "p", nil, "Inbound rule in the format protocol:port (e.g. tcp:22), repeatable")
	df.StringVarP(&deployOpts.SSHPublicKeyPath, "ssh-public-key-path", "k", "", "Path to the public key to upload to the machine")
	df.BoolVarP(&deployOpts.Debug, "debug", "d", false, "Stream provisioning engine output")
	_ = deployCmd.MarkFlagRequired("provider")

	uf := undeployCmd.Flags()
	uf.StringVarP(&undeployOpts.Provider, "provider", "c", "", "Cloud provider to undeploy (aws, gcp, hetzner)")
	uf.StringVarP(&undeployOpts.InstanceType, "instance-type", "i", "", "Instance type used at deploy time")
	uf.StringVarP(&undeployOpts.Region, "region", "r", "", "Cloud region of the deployment")
	uf.BoolVarP(&undeployOpts.Debug, "debug", "d", false, "Stream provisioning engine output")
	_ = undeployCmd.MarkFlagRequired("provider")
	_ = undeployCmd.MarkFlagRequired("region")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(undeployCmd)
}

// loadConfig loads the YAML config, merges logging flag overrides, and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDeploy(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	otelShutdown, err := otelsetup.SetupOTelSDK(ctx, "embervm", otelsetup.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.OTel.PrometheusPort,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	req, err := cfg.ResolveDeploy(deployOpts)
	if err != nil {
		return err
	}
	fmt.Println(req)

	// Drop cached engine state for this template so edits to the
	// template are never masked by a stale cached plan.
	if err := workspace.Invalidate(cfg.Engine.Terraform.WorkRoot, filepath.Dir(req.TemplatePath)); err != nil {
		return err
	}

	vars, err := req.VariableMap()
	if err != nil {
		return err
	}

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	ctrl := lifecycle.New(lifecycle.Config{
		Engine:       eng,
		TemplatePath: req.TemplatePath,
		Vars:         vars,
		Verbose:      req.Debug,
		Logger:       logger,
	})

	if cfg.Status.Addr != "" {
		stop := startStatusServer(cfg, req, ctrl, logger)
		defer stop()
	}

	return ctrl.Run(ctx)
}

func runUndeploy(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	req, err := cfg.ResolveUndeploy(undeployOpts)
	if err != nil {
		return err
	}
	fmt.Println(req)

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	// On the explicit path destroy failure is the terminal error: the
	// destroy is the user's sole intent, so its outcome is the outcome.
	if err := eng.Destroy(ctx, req.TemplatePath, req.VariableMap(), req.Debug); err != nil {
		return fmt.Errorf("destroying resources: %w", err)
	}

	fmt.Println("Resources destroyed.")
	return nil
}

// startStatusServer serves the liveness endpoint (and /metrics when the
// Prometheus reader is active) while the deployment is alive.  Returns
// a function that stops the server during teardown.
func startStatusServer(cfg *config.Config, req *config.DeploymentRequest, ctrl *lifecycle.Controller, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(
		cfg.Engine.Type,
		req.Provider.String(),
		req.Region,
		func() string { return string(ctrl.State()) },
	))
	if cfg.OTel.PrometheusPort > 0 {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{Addr: cfg.Status.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("status server", slog.String("error", err.Error()))
		}
	}()
	logger.Info("status server listening", slog.String("addr", cfg.Status.Addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
