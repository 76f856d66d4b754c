// Package engine defines the abstraction for provisioning backends that
// create and destroy the ephemeral compute resource.  Each backend
// (Terraform, GCP Compute Engine, Docker) implements the Engine
// interface so the rest of the system remains backend-agnostic.
package engine

import "context"

// Output is one provider-reported output value (e.g. the assigned
// public address).
type Output struct {
	Key   string
	Value string
}

// Outputs preserves the order in which the backend reported its values,
// so display order is stable across runs.
type Outputs []Output

// Get returns the value for key and whether it was present.
func (o Outputs) Get(key string) (string, bool) {
	for _, out := range o {
		if out.Key == key {
			return out.Value, true
		}
	}
	return "", false
}

// Engine is the contract every provisioning backend must satisfy.
//
// The resource is strictly ephemeral: one apply creates it, one destroy
// permanently deletes it (not stopped, not paused).  Both calls are
// keyed by the template path and the variable map; destroying with the
// same pair that was applied must delete the resource the apply
// created.  Idempotency of the external deletion is the backend's
// responsibility -- destroying an already-destroyed resource should not
// return an error.
//
// verbose streams the backend's own output (e.g. Terraform stdout) to
// the operator; when false the backend runs quietly.
type Engine interface {
	// Apply provisions the resource described by the template and
	// variables and returns the backend's outputs.
	Apply(ctx context.Context, templatePath string, vars map[string]string, verbose bool) (Outputs, error)

	// Destroy permanently deletes the resource previously applied with
	// the same template path and variables.
	Destroy(ctx context.Context, templatePath string, vars map[string]string, verbose bool) error
}
