// Package service holds small cross-cutting primitives (descriptors, retry
// policy, tracing hooks) shared by every long-running component.
package service

// Layer classifies a component's position in the system for orchestration
// and observability purposes.
type Layer string

const (
	LayerIngress Layer = "ingress"
	LayerAdapter Layer = "adapter"
	LayerEngine  Layer = "engine"
	LayerData    Layer = "data"
	LayerSecurity Layer = "security"
)

// Descriptor advertises a component's architectural placement.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of d with Capabilities set.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	d.Capabilities = caps
	return d
}
