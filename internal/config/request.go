package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InboundRule is one inbound firewall rule.
type InboundRule struct {
	Protocol   string `json:"protocol"`
	PortNumber uint16 `json:"port_number"`
}

// ParseInboundRule parses the CLI form "protocol:port" (e.g. "tcp:22").
func ParseInboundRule(s string) (InboundRule, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return InboundRule{}, fmt.Errorf("inbound rule %q must be in format protocol:port", s)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return InboundRule{}, fmt.Errorf("inbound rule %q: invalid port number", s)
	}
	return InboundRule{Protocol: parts[0], PortNumber: uint16(port)}, nil
}

func (r InboundRule) String() string {
	return fmt.Sprintf("%s:%d", r.Protocol, r.PortNumber)
}

// defaultInboundRules is applied when the operator provides none: SSH
// must stay reachable or the machine is unusable.
func defaultInboundRules() []InboundRule {
	return []InboundRule{{Protocol: "tcp", PortNumber: 22}}
}

// ---------------------------------------------------------------------------
// Deploy
// ---------------------------------------------------------------------------

// DeployOptions carries the raw deploy flags before resolution.
type DeployOptions struct {
	Provider         string
	InstanceType     string
	Region           string // empty means "pick randomly"
	ScriptPath       string
	InboundRules     []string
	SSHPublicKeyPath string
	Debug            bool
}

// DeploymentRequest is the fully resolved, immutable description of the
// deployment.  It is created once from flags and config and consumed
// once to build the variable map.
type DeploymentRequest struct {
	Provider         Provider
	InstanceType     string
	Region           string
	ScriptPath       string
	InboundRules     []InboundRule
	SSHPublicKeyPath string
	TemplatePath     string
	Debug            bool

	// RegionWasRandom records whether Region came from a random pick,
	// for the parameter echo only.
	RegionWasRandom bool
}

// ResolveDeploy turns raw flag values into a DeploymentRequest,
// applying provider defaults and the random region pick.  All
// configuration errors surface here, before any external call.
func (c *Config) ResolveDeploy(opts DeployOptions) (*DeploymentRequest, error) {
	provider, err := ParseProvider(opts.Provider)
	if err != nil {
		return nil, err
	}

	instanceType := opts.InstanceType
	if instanceType == "" {
		instanceType = provider.DefaultInstanceType()
	}

	region := opts.Region
	regionWasRandom := false
	if region == "" {
		region, err = provider.RandomRegion()
		if err != nil {
			return nil, err
		}
		regionWasRandom = true
	}

	rules := make([]InboundRule, 0, len(opts.InboundRules))
	for _, raw := range opts.InboundRules {
		rule, err := ParseInboundRule(raw)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		rules = defaultInboundRules()
	}

	return &DeploymentRequest{
		Provider:         provider,
		InstanceType:     instanceType,
		Region:           region,
		ScriptPath:       opts.ScriptPath,
		InboundRules:     rules,
		SSHPublicKeyPath: opts.SSHPublicKeyPath,
		TemplatePath:     c.TemplatePath(provider),
		Debug:            opts.Debug,
		RegionWasRandom:  regionWasRandom,
	}, nil
}

// VariableMap renders the request as the named inputs handed to the
// provisioning engine.  The same map is used for apply and, through the
// lifecycle guard, for the matching destroy.
func (r *DeploymentRequest) VariableMap() (map[string]string, error) {
	rulesJSON, err := json.Marshal(r.InboundRules)
	if err != nil {
		return nil, fmt.Errorf("serializing inbound rules: %w", err)
	}

	sshKeyPath := r.SSHPublicKeyPath
	if sshKeyPath == "" {
		sshKeyPath = "none"
	}

	return map[string]string{
		"instance_type":       r.InstanceType,
		"region":              r.Region,
		"script_path":         r.ScriptPath,
		"inbound_rules":       string(rulesJSON),
		"ssh_public_key_path": sshKeyPath,
	}, nil
}

// String renders the resolved parameters for the pre-action echo.
func (r *DeploymentRequest) String() string {
	var b strings.Builder
	b.WriteString("Deploy parameters\n")
	fmt.Fprintf(&b, "  provider:            %s\n", r.Provider)
	fmt.Fprintf(&b, "  instance_type:       %s\n", r.InstanceType)
	if r.RegionWasRandom {
		fmt.Fprintf(&b, "  region:              %s (random)\n", r.Region)
	} else {
		fmt.Fprintf(&b, "  region:              %s\n", r.Region)
	}
	fmt.Fprintf(&b, "  script_path:         %s\n", orNone(r.ScriptPath))
	rules := make([]string, len(r.InboundRules))
	for i, rule := range r.InboundRules {
		rules[i] = rule.String()
	}
	fmt.Fprintf(&b, "  inbound_rules:       %s\n", strings.Join(rules, ", "))
	fmt.Fprintf(&b, "  ssh_public_key_path: %s\n", orNone(r.SSHPublicKeyPath))
	fmt.Fprintf(&b, "  template_path:       %s", r.TemplatePath)
	return b.String()
}

// ---------------------------------------------------------------------------
// Undeploy
// ---------------------------------------------------------------------------

// UndeployOptions carries the raw undeploy flags before resolution.
type UndeployOptions struct {
	Provider     string
	InstanceType string
	Region       string
	Debug        bool
}

// UndeployRequest is the resolved description of an explicit destroy.
type UndeployRequest struct {
	Provider     Provider
	InstanceType string
	Region       string
	TemplatePath string
	Debug        bool
}

// ResolveUndeploy turns raw flag values into an UndeployRequest.  The
// region is mandatory: there is no deployment state to recover it from.
func (c *Config) ResolveUndeploy(opts UndeployOptions) (*UndeployRequest, error) {
	provider, err := ParseProvider(opts.Provider)
	if err != nil {
		return nil, err
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("region is required for undeploy")
	}

	instanceType := opts.InstanceType
	if instanceType == "" {
		instanceType = provider.DefaultInstanceType()
	}

	return &UndeployRequest{
		Provider:     provider,
		InstanceType: instanceType,
		Region:       opts.Region,
		TemplatePath: c.TemplatePath(provider),
		Debug:        opts.Debug,
	}, nil
}

// VariableMap renders the undeploy inputs.  Only the variables that
// identify the resource are mapped.
func (r *UndeployRequest) VariableMap() map[string]string {
	return map[string]string{
		"instance_type": r.InstanceType,
		"region":        r.Region,
	}
}

// String renders the resolved parameters for the pre-action echo.
func (r *UndeployRequest) String() string {
	var b strings.Builder
	b.WriteString("Undeploy parameters\n")
	fmt.Fprintf(&b, "  provider:      %s\n", r.Provider)
	fmt.Fprintf(&b, "  instance_type: %s\n", r.InstanceType)
	fmt.Fprintf(&b, "  region:        %s\n", r.Region)
	fmt.Fprintf(&b, "  template_path: %s", r.TemplatePath)
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
