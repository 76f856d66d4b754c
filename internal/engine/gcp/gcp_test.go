package gcp

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

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"go.opentelemetry.io/otel"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	getCalls    []*computepb.GetInstanceRequest
	closed      bool

	insertErr error
	insertOp  operationWaiter
	deleteErr error
	deleteOp  operationWaiter
	getErr    error
	instance  *computepb.Instance
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
		instance: &computepb.Instance{
			NetworkInterfaces: []*computepb.NetworkInterface{
				{
					AccessConfigs: []*computepb.AccessConfig{
						{NatIP: proto.String("203.0.113.5")},
					},
				},
			},
		},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest, _ ...gax.CallOption) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest, _ ...gax.CallOption) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest, _ ...gax.CallOption) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.instance, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite

	client *mockInstancesClient
	eng    *Engine
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

func (s *GCPEngineSuite) SetupTest() {
	s.client = newMockInstancesClient()
	s.eng = &Engine{
		client: s.client,
		cfg: Config{
			Project:    "my-project",
			Image:      "projects/debian-cloud/global/images/family/debian-12",
			DiskSizeGB: 10,
			Network:    "default",
			PublicIP:   true,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer("test"),
	}
}

func (s *GCPEngineSuite) vars() map[string]string {
	return map[string]string{
		"instance_type": "f1-micro",
		"region":        "us-central1-a",
	}
}

const templatePath = "/srv/templates/gcp/main.tf"

// ---------------------------------------------------------------------------
// Instance naming
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestInstanceName_Deterministic() {
	a := instanceName("/srv/templates/gcp/main.tf")
	b := instanceName("/srv/templates/gcp/main.tf")
	assert.Equal(s.T(), a, b)
	assert.Len(s.T(), a, len("embervm-")+12)
	assert.Contains(s.T(), a, "embervm-")
}

func (s *GCPEngineSuite) TestInstanceName_DistinctTemplates() {
	assert.NotEqual(s.T(),
		instanceName("/srv/templates/gcp/main.tf"),
		instanceName("/srv/templates/aws/main.tf"))
}

// ---------------------------------------------------------------------------
// Apply
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestApply_BuildsInsertRequest() {
	outs, err := s.eng.Apply(context.Background(), templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]

	assert.Equal(s.T(), "my-project", req.Project)
	assert.Equal(s.T(), "us-central1-a", req.Zone)

	inst := req.InstanceResource
	assert.Equal(s.T(), instanceName(templatePath), inst.GetName())
	assert.Equal(s.T(), "zones/us-central1-a/machineTypes/f1-micro", inst.GetMachineType())

	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), "projects/debian-cloud/global/images/family/debian-12",
		disk.GetInitializeParams().GetSourceImage())
	assert.Equal(s.T(), int64(10), disk.GetInitializeParams().GetDiskSizeGb())

	require.Len(s.T(), inst.GetNetworkInterfaces(), 1)
	nic := inst.GetNetworkInterfaces()[0]
	assert.Equal(s.T(), "global/networks/default", nic.GetNetwork())
	require.Len(s.T(), nic.GetAccessConfigs(), 1)
	assert.Equal(s.T(), "ONE_TO_ONE_NAT", nic.GetAccessConfigs()[0].GetType())

	name, ok := outs.Get("instance_name")
	assert.True(s.T(), ok)
	assert.Equal(s.T(), instanceName(templatePath), name)
	zone, _ := outs.Get("zone")
	assert.Equal(s.T(), "us-central1-a", zone)
	ip, ok := outs.Get("public_ip")
	assert.True(s.T(), ok)
	assert.Equal(s.T(), "203.0.113.5", ip)
}

func (s *GCPEngineSuite) TestApply_NoPublicIP() {
	s.eng.cfg.PublicIP = false

	_, err := s.eng.Apply(context.Background(), templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].InstanceResource.GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs())
}

func (s *GCPEngineSuite) TestApply_ServiceAccountAttached() {
	s.eng.cfg.ServiceAccount = "runner@my-project.iam.gserviceaccount.com"

	_, err := s.eng.Apply(context.Background(), templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	sas := s.client.insertCalls[0].InstanceResource.GetServiceAccounts()
	require.Len(s.T(), sas, 1)
	assert.Equal(s.T(), "runner@my-project.iam.gserviceaccount.com", sas[0].GetEmail())
}

func (s *GCPEngineSuite) TestApply_StartupScriptInlined() {
	scriptPath := filepath.Join(s.T().TempDir(), "setup.sh")
	require.NoError(s.T(), os.WriteFile(scriptPath, []byte("#!/bin/bash\necho hello\n"), 0o755))

	vars := s.vars()
	vars["script_path"] = scriptPath

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.NoError(s.T(), err)

	md := s.client.insertCalls[0].InstanceResource.GetMetadata()
	require.NotNil(s.T(), md)
	require.Len(s.T(), md.GetItems(), 1)
	assert.Equal(s.T(), "startup-script", md.GetItems()[0].GetKey())
	assert.Contains(s.T(), md.GetItems()[0].GetValue(), "echo hello")
}

func (s *GCPEngineSuite) TestApply_MissingStartupScript() {
	vars := s.vars()
	vars["script_path"] = "/does/not/exist.sh"

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "reading startup script")
	assert.Empty(s.T(), s.client.insertCalls)
}

func (s *GCPEngineSuite) TestApply_SSHKeyUploaded() {
	keyPath := filepath.Join(s.T().TempDir(), "id_ed25519.pub")
	require.NoError(s.T(), os.WriteFile(keyPath, []byte("ssh-ed25519 AAAA... me@host\n"), 0o644))

	vars := s.vars()
	vars["ssh_public_key_path"] = keyPath

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.NoError(s.T(), err)

	md := s.client.insertCalls[0].InstanceResource.GetMetadata()
	require.NotNil(s.T(), md)
	require.Len(s.T(), md.GetItems(), 1)
	assert.Equal(s.T(), "ssh-keys", md.GetItems()[0].GetKey())
	assert.Equal(s.T(), "embervm:ssh-ed25519 AAAA... me@host", md.GetItems()[0].GetValue())
}

func (s *GCPEngineSuite) TestApply_SSHKeyPathNoneIsSkipped() {
	vars := s.vars()
	vars["ssh_public_key_path"] = "none"

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), s.client.insertCalls[0].InstanceResource.GetMetadata())
}

func (s *GCPEngineSuite) TestApply_InboundRulesBecomeTags() {
	vars := s.vars()
	vars["inbound_rules"] = `[{"protocol":"tcp","port_number":22},{"protocol":"udp","port_number":51820}]`

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.NoError(s.T(), err)

	tags := s.client.insertCalls[0].InstanceResource.GetTags()
	require.NotNil(s.T(), tags)
	assert.Equal(s.T(), []string{"embervm-tcp-22", "embervm-udp-51820"}, tags.GetItems())
}

func (s *GCPEngineSuite) TestApply_MissingRegion() {
	vars := s.vars()
	delete(vars, "region")

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "region")
}

func (s *GCPEngineSuite) TestApply_MissingInstanceType() {
	vars := s.vars()
	delete(vars, "instance_type")

	_, err := s.eng.Apply(context.Background(), templatePath, vars, false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "instance_type")
}

func (s *GCPEngineSuite) TestApply_InsertError() {
	s.client.insertErr = errors.New("quota exceeded")

	_, err := s.eng.Apply(context.Background(), templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "quota exceeded")
}

func (s *GCPEngineSuite) TestApply_WaitError() {
	s.client.insertOp = &mockOperation{err: errors.New("operation timed out")}

	_, err := s.eng.Apply(context.Background(), templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "operation timed out")
}

func (s *GCPEngineSuite) TestApply_ReadBackFailureOnlyDropsAddress() {
	s.client.getErr = errors.New("transient read error")

	outs, err := s.eng.Apply(context.Background(), templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	_, ok := outs.Get("public_ip")
	assert.False(s.T(), ok)
	_, ok = outs.Get("instance_name")
	assert.True(s.T(), ok)
}

// ---------------------------------------------------------------------------
// Destroy
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestDestroy_BuildsDeleteRequest() {
	err := s.eng.Destroy(context.Background(), templatePath, s.vars(), false)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "my-project", req.Project)
	assert.Equal(s.T(), "us-central1-a", req.Zone)
	assert.Equal(s.T(), instanceName(templatePath), req.Instance)
}

func (s *GCPEngineSuite) TestDestroy_NotFoundIsIdempotent() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found, notFound")

	err := s.eng.Destroy(context.Background(), templatePath, s.vars(), false)
	assert.NoError(s.T(), err)
}

func (s *GCPEngineSuite) TestDestroy_NotFoundDuringWaitIsIdempotent() {
	s.client.deleteOp = &mockOperation{err: errors.New("rpc error: code = NotFound desc = instance gone")}

	err := s.eng.Destroy(context.Background(), templatePath, s.vars(), false)
	assert.NoError(s.T(), err)
}

func (s *GCPEngineSuite) TestDestroy_OtherErrorPropagates() {
	s.client.deleteErr = errors.New("permission denied")

	err := s.eng.Destroy(context.Background(), templatePath, s.vars(), false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "permission denied")
}

func (s *GCPEngineSuite) TestDestroy_MissingRegion() {
	err := s.eng.Destroy(context.Background(), templatePath, map[string]string{}, false)
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "region")
	assert.Empty(s.T(), s.client.deleteCalls)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestClose() {
	require.NoError(s.T(), s.eng.Close())
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// Not-found detection
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestIsNotFound() {
	assert.False(s.T(), isNotFound(nil))
	assert.False(s.T(), isNotFound(errors.New("permission denied")))
	assert.True(s.T(), isNotFound(errors.New("googleapi: Error 404: nope")))
	assert.True(s.T(), isNotFound(errors.New("rpc error: code = NotFound")))
	assert.True(s.T(), isNotFound(errors.New("resource not found: notFound")))
}
