package terraform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/embervm/internal/workspace"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type recordedCall struct {
	dir  string
	name string
	args []string
}

// mockRunner records every invocation and replays canned results.
type mockRunner struct {
	mu         sync.Mutex
	calls      []recordedCall
	runErr     map[string]error  // keyed by subcommand (args[0])
	runStdout  map[string]string // written to the stdout writer
	outputJSON []byte
	outputErr  error
}

func (m *mockRunner) Run(_ context.Context, dir string, stdout, _ io.Writer, name string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{dir: dir, name: name, args: args})
	sub := args[0]
	if out, ok := m.runStdout[sub]; ok {
		fmt.Fprint(stdout, out)
	}
	if err, ok := m.runErr[sub]; ok {
		return err
	}
	return nil
}

func (m *mockRunner) Output(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{dir: dir, name: name, args: args})
	return m.outputJSON, m.outputErr
}

func (m *mockRunner) subcommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]string, len(m.calls))
	for i, c := range m.calls {
		subs[i] = c.args[0]
	}
	return subs
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type TerraformEngineSuite struct {
	suite.Suite

	runner       *mockRunner
	eng          *Engine
	templatePath string
	workDir      string
}

func TestTerraformEngineSuite(t *testing.T) {
	suite.Run(t, new(TerraformEngineSuite))
}

func (s *TerraformEngineSuite) SetupTest() {
	templateDir := s.T().TempDir()
	require.NoError(s.T(), os.WriteFile(
		filepath.Join(templateDir, "main.tf"), []byte(`resource "null_resource" "vm" {}`), 0o644))
	s.templatePath = filepath.Join(templateDir, "main.tf")

	workRoot := s.T().TempDir()
	s.workDir = workspace.Dir(workRoot, templateDir)

	s.runner = &mockRunner{
		outputJSON: []byte(`{
			"public_ip":   {"value": "203.0.113.5"},
			"instance_id": {"value": "i-0abc123"}
		}`),
	}
	s.eng = New(Config{
		Binary:   "terraform",
		WorkRoot: workRoot,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.eng.runner = s.runner
}

func (s *TerraformEngineSuite) vars() map[string]string {
	return map[string]string{
		"region":        "us-east-1",
		"instance_type": "t3.micro",
	}
}

// ---------------------------------------------------------------------------
// Apply
// ---------------------------------------------------------------------------

func (s *TerraformEngineSuite) TestApply_RunsInitApplyOutput() {
	outs, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), []string{"init", "apply", "output"}, s.runner.subcommands())

	// Outputs come back sorted by key.
	require.Len(s.T(), outs, 2)
	assert.Equal(s.T(), "instance_id", outs[0].Key)
	assert.Equal(s.T(), "i-0abc123", outs[0].Value)
	assert.Equal(s.T(), "public_ip", outs[1].Key)
	assert.Equal(s.T(), "203.0.113.5", outs[1].Value)
}

func (s *TerraformEngineSuite) TestApply_VarArgsSortedByKey() {
	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	apply := s.runner.calls[1]
	assert.Equal(s.T(), []string{
		"apply", "-auto-approve", "-input=false", "-no-color",
		"-var", "instance_type=t3.micro",
		"-var", "region=us-east-1",
	}, apply.args)
}

func (s *TerraformEngineSuite) TestApply_MaterializesWorkspace() {
	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	data, err := os.ReadFile(filepath.Join(s.workDir, "main.tf"))
	require.NoError(s.T(), err)
	assert.Contains(s.T(), string(data), "null_resource")

	for _, call := range s.runner.calls {
		assert.Equal(s.T(), s.workDir, call.dir)
	}
}

func (s *TerraformEngineSuite) TestApply_SkipsInitWhenWorkspaceInitialized() {
	require.NoError(s.T(), os.MkdirAll(filepath.Join(s.workDir, ".terraform"), 0o755))

	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), []string{"apply", "output"}, s.runner.subcommands())
}

func (s *TerraformEngineSuite) TestApply_InitFailure() {
	s.runner.runErr = map[string]error{"init": errors.New("exit status 1")}

	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "terraform init")
}

func (s *TerraformEngineSuite) TestApply_QuietFailureCarriesProcessOutput() {
	s.runner.runErr = map[string]error{"apply": errors.New("exit status 1")}
	s.runner.runStdout = map[string]string{"apply": "Error: invalid credentials\n"}

	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "terraform apply")
	assert.ErrorContains(s.T(), err, "invalid credentials")
}

func (s *TerraformEngineSuite) TestApply_OutputParseFailure() {
	s.runner.outputJSON = []byte("not json")

	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "parsing terraform output")
}

func (s *TerraformEngineSuite) TestApply_NonStringOutputValues() {
	s.runner.outputJSON = []byte(`{"port": {"value": 22}}`)

	outs, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)
	require.Len(s.T(), outs, 1)
	assert.Equal(s.T(), "22", outs[0].Value)
}

// ---------------------------------------------------------------------------
// Destroy
// ---------------------------------------------------------------------------

func (s *TerraformEngineSuite) TestDestroy_RunsInitDestroy() {
	err := s.eng.Destroy(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), []string{"init", "destroy"}, s.runner.subcommands())

	destroy := s.runner.calls[1]
	assert.Equal(s.T(), []string{
		"destroy", "-auto-approve", "-input=false", "-no-color",
		"-var", "instance_type=t3.micro",
		"-var", "region=us-east-1",
	}, destroy.args)
}

func (s *TerraformEngineSuite) TestDestroy_ReusesApplyWorkspace() {
	_, err := s.eng.Apply(context.Background(), s.templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	// Fake an initialized workspace left behind by the apply.
	require.NoError(s.T(), os.MkdirAll(filepath.Join(s.workDir, ".terraform"), 0o755))
	s.runner.calls = nil

	require.NoError(s.T(), s.eng.Destroy(context.Background(), s.templatePath, s.vars(), false))
	assert.Equal(s.T(), []string{"destroy"}, s.runner.subcommands())
}

func (s *TerraformEngineSuite) TestDestroy_Failure() {
	s.runner.runErr = map[string]error{"destroy": errors.New("exit status 1")}

	err := s.eng.Destroy(context.Background(), s.templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "terraform destroy")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *TerraformEngineSuite) TestNew_Defaults() {
	eng := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(s.T(), "terraform", eng.binary)
	assert.Equal(s.T(), workspace.DefaultRoot(), eng.workRoot)
}
