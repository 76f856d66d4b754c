// Package gcp implements the engine.Engine interface directly against
// Google Compute Engine, bypassing any template language: the variable
// map is translated into a single VM.  The instance name is derived
// deterministically from the template identity, so a destroy with the
// same template and variables always targets the VM the apply created.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/embervm/internal/engine"
	"github.com/terrpan/embervm/internal/workspace"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Image is the full self-link or family URL of the boot image
	// (required).  Examples:
	//   "projects/debian-cloud/global/images/family/debian-12"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 10.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether the VM gets an external IP.
	// Default: true.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to the
	// VM (optional).  If empty, the project's default compute service
	// account is used.
	ServiceAccount string
}

// operationWaiter is the part of *compute.Operation the engine needs.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the part of *compute.InstancesClient the engine needs,
// narrowed so tests can substitute a mock.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	Close() error
}

// restInstances adapts the real REST client to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	return r.c.Insert(ctx, req, opts...)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	return r.c.Delete(ctx, req, opts...)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error) {
	return r.c.Get(ctx, req, opts...)
}

func (r restInstances) Close() error { return r.c.Close() }

// Engine provisions one ephemeral VM on Google Compute Engine.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 10
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("image", cfg.Image),
	)

	return &Engine{
		client: restInstances{c: client},
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("embervm/engine/gcp"),
	}, nil
}

// instanceName derives the VM name from the template identity, so the
// same template directory always maps to the same instance.
func instanceName(templatePath string) string {
	dir := templatePath
	if i := strings.LastIndexByte(templatePath, '/'); i >= 0 {
		dir = templatePath[:i]
	}
	return "embervm-" + workspace.Identity(dir)[:12]
}

// Apply creates the VM described by vars and returns its name, zone and
// public address as outputs.
func (e *Engine) Apply(ctx context.Context, templatePath string, vars map[string]string, verbose bool) (engine.Outputs, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Apply")
	defer span.End()

	name := instanceName(templatePath)
	zone := vars["region"]
	machineType := vars["instance_type"]

	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", zone),
		attribute.String("gcp.machine_type", machineType),
	)

	if zone == "" {
		return nil, fmt.Errorf("gcp engine: variable %q is required", "region")
	}
	if machineType == "" {
		return nil, fmt.Errorf("gcp engine: variable %q is required", "instance_type")
	}

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata, err := buildMetadata(vars)
	if err != nil {
		return nil, err
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
		Tags:              buildTags(vars),
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("creating VM",
		slog.String("name", name),
		slog.String("machine_type", machineType),
		slog.String("zone", zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             zone,
		InstanceResource: instance,
	})
	if err != nil {
		return nil, fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	outs := engine.Outputs{
		{Key: "instance_name", Value: name},
		{Key: "zone", Value: zone},
	}

	created, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		// The VM exists; a failed read only costs us the address output.
		e.logger.Warn("could not read back instance", slog.String("error", err.Error()))
	} else if ip := publicAddress(created); ip != "" {
		outs = append(outs, engine.Output{Key: "public_ip", Value: ip})
	}

	e.logger.Info("VM started", slog.String("name", name), slog.String("zone", zone))
	return outs, nil
}

// Destroy permanently deletes the VM derived from the template identity.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) Destroy(ctx context.Context, templatePath string, vars map[string]string, verbose bool) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Destroy")
	defer span.End()

	name := instanceName(templatePath)
	zone := vars["region"]

	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", zone),
	)

	if zone == "" {
		return fmt.Errorf("gcp engine: variable %q is required", "region")
	}

	e.logger.Info("destroying VM", slog.String("name", name))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.logger.Info("VM already deleted", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			e.logger.Info("VM already deleted", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", name, err)
	}

	e.logger.Info("VM destroyed", slog.String("name", name))
	return nil
}

// Close releases the underlying API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// buildMetadata maps the startup script and SSH key variables onto
// instance metadata.  The script content is inlined under the standard
// "startup-script" key, which Compute Engine runs on first boot.
func buildMetadata(vars map[string]string) (*computepb.Metadata, error) {
	var items []*computepb.Items

	if path := vars["script_path"]; path != "" {
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading startup script %s: %w", path, err)
		}
		items = append(items, &computepb.Items{
			Key:   proto.String("startup-script"),
			Value: proto.String(string(script)),
		})
	}

	if path := vars["ssh_public_key_path"]; path != "" && path != "none" {
		key, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading ssh public key %s: %w", path, err)
		}
		items = append(items, &computepb.Items{
			Key:   proto.String("ssh-keys"),
			Value: proto.String("embervm:" + strings.TrimSpace(string(key))),
		})
	}

	if len(items) == 0 {
		return nil, nil
	}
	return &computepb.Metadata{Items: items}, nil
}

// buildTags converts the serialized inbound rules into network tags
// (e.g. "embervm-tcp-22") so matching firewall rules can target the VM.
func buildTags(vars map[string]string) *computepb.Tags {
	raw := vars["inbound_rules"]
	if raw == "" {
		return nil
	}
	var rules []struct {
		Protocol   string `json:"protocol"`
		PortNumber uint16 `json:"port_number"`
	}
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil
	}
	items := make([]string, 0, len(rules))
	for _, r := range rules {
		items = append(items, fmt.Sprintf("embervm-%s-%d", r.Protocol, r.PortNumber))
	}
	if len(items) == 0 {
		return nil
	}
	return &computepb.Tags{Items: items}
}

// publicAddress extracts the first external NAT IP from the instance.
func publicAddress(inst *computepb.Instance) string {
	for _, nic := range inst.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  google-cloud-go wraps errors through several layers, so a
// string check is more robust than type assertions across versions.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
