package system

import (
	"context"

	core "github.com/meshrelay/dvmcore/internal/app/core/service"
)

// Service represents a lifecycle-managed component. All background
// components (pollers, the relay gateway, the event queue consumer, the
// reputation refresh loop) implement this interface so the manager can
// start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata.
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}

// Manager starts and stops a fixed set of services in registration order
// (start) and reverse order (stop), aggregating descriptors for
// introspection.
type Manager struct {
	services []Service
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the managed set.
func (m *Manager) Register(s Service) {
	m.services = append(m.services, s)
}

// Start starts every registered service in order, stopping already-started
// services and returning the first error encountered.
func (m *Manager) Start(ctx context.Context) error {
	started := make([]Service, 0, len(m.services))
	for _, s := range m.services {
		if err := s.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return err
		}
		started = append(started, s)
	}
	return nil
}

// Stop stops every registered service in reverse order, collecting the
// last non-nil error.
func (m *Manager) Stop(ctx context.Context) error {
	var lastErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Descriptors returns the descriptor of every registered service that
// implements DescriptorProvider.
func (m *Manager) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, 0, len(m.services))
	for _, s := range m.services {
		if dp, ok := s.(DescriptorProvider); ok {
			out = append(out, dp.Descriptor())
		}
	}
	return out
}
