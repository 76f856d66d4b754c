// Package terraform implements the engine.Engine interface by invoking
// the Terraform CLI against a declarative template.
//
// Each template directory gets a private working directory under the
// workspace cache root (see internal/workspace), so Terraform's local
// state and plugin cache survive between the deploy and undeploy
// subcommands without touching the template itself.
package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/embervm/internal/engine"
	"github.com/terrpan/embervm/internal/workspace"
)

// Config holds Terraform-specific engine settings.
type Config struct {
	// Binary is the Terraform executable name or path.
	// Default: "terraform".
	Binary string

	// WorkRoot is the directory under which per-template workspaces are
	// cached.  Default: workspace.DefaultRoot().
	WorkRoot string

	// Stdout and Stderr receive the Terraform process output when a
	// call runs verbose.  Default: os.Stdout / os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// commandRunner abstracts process execution so tests can run without a
// Terraform binary.
type commandRunner interface {
	// Run executes name with args in dir, writing process output to
	// stdout and stderr.
	Run(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error
	// Output executes name with args in dir and returns its stdout.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

func (execRunner) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Engine runs Terraform applies and destroys in cached workspaces.
type Engine struct {
	binary   string
	workRoot string
	stdout   io.Writer
	stderr   io.Writer
	logger   *slog.Logger
	runner   commandRunner

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Terraform engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = workspace.DefaultRoot()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Engine{
		binary:   cfg.Binary,
		workRoot: cfg.WorkRoot,
		stdout:   cfg.Stdout,
		stderr:   cfg.Stderr,
		logger:   logger,
		runner:   execRunner{},
		tracer:   otel.Tracer("embervm/engine/terraform"),
	}
}

// Apply provisions the template with the given variables and returns
// the Terraform outputs in key order.
func (e *Engine) Apply(ctx context.Context, templatePath string, vars map[string]string, verbose bool) (engine.Outputs, error) {
	ctx, span := e.tracer.Start(ctx, "engine.terraform.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("terraform.template", templatePath))

	workDir, err := e.prepare(ctx, templatePath)
	if err != nil {
		return nil, err
	}

	e.logger.Info("terraform apply",
		slog.String("template", templatePath),
		slog.String("workspace", workDir),
	)

	args := append([]string{"apply", "-auto-approve", "-input=false", "-no-color"}, varArgs(vars)...)
	if err := e.run(ctx, workDir, verbose, args...); err != nil {
		return nil, fmt.Errorf("terraform apply: %w", err)
	}

	return e.outputs(ctx, workDir)
}

// Destroy deletes the resources previously applied with the same
// template and variables.  The workspace is re-prepared first so an
// undeploy from a fresh process finds the cached state (or, failing
// that, lets Terraform refresh against the provider).
func (e *Engine) Destroy(ctx context.Context, templatePath string, vars map[string]string, verbose bool) error {
	ctx, span := e.tracer.Start(ctx, "engine.terraform.Destroy")
	defer span.End()
	span.SetAttributes(attribute.String("terraform.template", templatePath))

	workDir, err := e.prepare(ctx, templatePath)
	if err != nil {
		return err
	}

	e.logger.Info("terraform destroy",
		slog.String("template", templatePath),
		slog.String("workspace", workDir),
	)

	args := append([]string{"destroy", "-auto-approve", "-input=false", "-no-color"}, varArgs(vars)...)
	if err := e.run(ctx, workDir, verbose, args...); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}

// prepare materializes the template into its cached workspace and runs
// `terraform init` if the workspace has not been initialized yet.
func (e *Engine) prepare(ctx context.Context, templatePath string) (string, error) {
	templateDir := filepath.Dir(templatePath)
	workDir := workspace.Dir(e.workRoot, templateDir)

	if err := copyTemplate(templateDir, workDir); err != nil {
		return "", fmt.Errorf("preparing workspace: %w", err)
	}

	if _, err := os.Stat(filepath.Join(workDir, ".terraform")); os.IsNotExist(err) {
		e.logger.Debug("terraform init", slog.String("workspace", workDir))
		if err := e.run(ctx, workDir, false, "init", "-input=false", "-no-color"); err != nil {
			return "", fmt.Errorf("terraform init: %w", err)
		}
	}
	return workDir, nil
}

// run executes the Terraform binary.  When quiet, process output is
// buffered and only surfaced in the error.
func (e *Engine) run(ctx context.Context, dir string, verbose bool, args ...string) error {
	if verbose {
		return e.runner.Run(ctx, dir, e.stdout, e.stderr, e.binary, args...)
	}
	var buf bytes.Buffer
	if err := e.runner.Run(ctx, dir, &buf, &buf, e.binary, args...); err != nil {
		return fmt.Errorf("%w\n%s", err, buf.String())
	}
	return nil
}

// outputs reads `terraform output -json` from the workspace.
func (e *Engine) outputs(ctx context.Context, workDir string) (engine.Outputs, error) {
	raw, err := e.runner.Output(ctx, workDir, e.binary, "output", "-json", "-no-color")
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}

	var parsed map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing terraform output: %w", err)
	}

	// JSON objects carry no order; sort keys so display order is stable.
	keys := make([]string, 0, len(parsed))
	for k := range parsed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outs := make(engine.Outputs, 0, len(keys))
	for _, k := range keys {
		outs = append(outs, engine.Output{Key: k, Value: fmt.Sprintf("%v", parsed[k].Value)})
	}
	return outs, nil
}

// varArgs renders vars as -var arguments in key order so the apply and
// destroy command lines are reproducible for the same map.
func varArgs(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, "-var", fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return args
}

// copyTemplate copies the regular files of src into dst, creating dst
// if needed.  Existing files are overwritten so template edits reach
// the workspace; Terraform-owned files (.terraform, state) are left
// alone.
func copyTemplate(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading template dir %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("creating workspace %s: %w", dst, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading template file %s: %w", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, entry.Name()), data, 0o644); err != nil {
			return fmt.Errorf("writing workspace file %s: %w", entry.Name(), err)
		}
	}
	return nil
}
