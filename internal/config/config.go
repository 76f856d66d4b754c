// Package config handles loading, validating, and applying
// configuration for the ephemeral deployer.  Configuration is read from
// a YAML file and can be overridden by CLI flags; the resolved result
// is an immutable DeploymentRequest consumed exactly once to build the
// variable map handed to the provisioning engine.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/embervm/internal/engine"
	"github.com/terrpan/embervm/internal/engine/docker"
	"github.com/terrpan/embervm/internal/engine/gcp"
	"github.com/terrpan/embervm/internal/engine/terraform"
	"github.com/terrpan/embervm/internal/workspace"
)

// TemplatesDirEnv overrides the templates root directory.
const TemplatesDirEnv = "EMBERVM_TEMPLATES_DIR"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
	Status  StatusConfig  `yaml:"status"`

	// TemplatesDir is the root directory holding one template
	// directory per provider.  Default: "./templates", overridable via
	// EMBERVM_TEMPLATES_DIR.
	TemplatesDir string `yaml:"templates_dir"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the provisioning backend.
type EngineConfig struct {
	// Type selects the backend: "terraform" (default), "gcp", "docker".
	Type string `yaml:"type"`

	// Terraform holds Terraform-specific settings.  Only read when
	// Type == "terraform".
	Terraform TerraformEngineConfig `yaml:"terraform"`

	// GCP holds direct Compute Engine settings.  Only read when
	// Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`

	// Docker holds local container backend settings.  Only read when
	// Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// TerraformEngineConfig holds Terraform engine settings.
type TerraformEngineConfig struct {
	// Binary is the Terraform executable.  Default: "terraform".
	Binary string `yaml:"binary"`

	// WorkRoot is the workspace cache root.  Default:
	// <system temp dir>/embervm.
	WorkRoot string `yaml:"work_root"`
}

// GCPEngineConfig holds direct Compute Engine backend settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Image is the boot image self-link or family URL (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 10.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether the VM gets an external IP address.
	// Default: true.  A *bool distinguishes "not set" from "false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the service account email to attach (optional).
	ServiceAccount string `yaml:"service_account"`
}

// DockerEngineConfig holds local container backend settings.
type DockerEngineConfig struct {
	// Image is the container image standing in for the VM image.
	// Default: "debian:stable-slim".
	Image string `yaml:"image"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.  Default: false.
	StdOut bool `yaml:"stdout"`

	// PrometheusPort, when > 0, exposes a Prometheus /metrics endpoint
	// on the status listener while the deployment is alive.
	PrometheusPort int `yaml:"prometheus_port"`
}

// ---------------------------------------------------------------------------
// Status listener
// ---------------------------------------------------------------------------

// StatusConfig controls the local HTTP status endpoint served while the
// deployment is alive.
type StatusConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:8090").  Empty
	// disables the listener.
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed
// Config.  The file is optional: a missing file yields a zero Config
// which defaults fill in.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Engine.Type == "" {
		c.Engine.Type = "terraform"
	}
	if c.Engine.Terraform.Binary == "" {
		c.Engine.Terraform.Binary = "terraform"
	}
	if c.Engine.Terraform.WorkRoot == "" {
		c.Engine.Terraform.WorkRoot = workspace.DefaultRoot()
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 10
	}
	if c.Engine.GCP.Network == "" {
		c.Engine.GCP.Network = "default"
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "debian:stable-slim"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.TemplatesDir == "" {
		if env := os.Getenv(TemplatesDirEnv); env != "" {
			c.TemplatesDir = env
		} else {
			c.TemplatesDir = "templates"
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Engine.Type {
	case "terraform", "docker":
		// OK
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: terraform, gcp, docker)", c.Engine.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the provisioning backend selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "terraform":
		return terraform.New(terraform.Config{
			Binary:   c.Engine.Terraform.Binary,
			WorkRoot: c.Engine.Terraform.WorkRoot,
		}, logger.WithGroup("engine.terraform")), nil
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Image: c.Engine.Docker.Image,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// TemplatePath returns the template identity for provider: the path of
// the declarative template under the templates root.  Existence is not
// checked here -- the Terraform backend reads the file, the direct
// backends only use the path as the resource identity.
func (c *Config) TemplatePath(provider Provider) string {
	return filepath.Join(c.TemplatesDir, provider.String(), "main.tf")
}
