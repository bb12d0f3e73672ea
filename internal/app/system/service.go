// Package system defines the lifecycle contract application modules
// implement and the manager that starts and stops them deterministically.
package system

import (
	"context"
	"fmt"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
)

// Service represents a lifecycle-managed component. All long-lived modules
// implement this interface so the manager can start and stop them in order.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	services []Service
	started  []Service
	log      *logging.Logger
}

// NewManager builds an empty manager.
func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{log: log}
}

// Register appends a service. Registration order is start order.
func (m *Manager) Register(svc Service) {
	if svc != nil {
		m.services = append(m.services, svc)
	}
}

// Start brings every service up, unwinding already-started services when one
// fails.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			m.log.WithError(err).Errorf("service %s failed to start", svc.Name())
			m.Stop(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
		m.log.Infof("service %s started", svc.Name())
	}
	return nil
}

// Stop brings services down in reverse start order. Stop errors are logged,
// not propagated; shutdown always proceeds.
func (m *Manager) Stop(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).Warnf("service %s failed to stop cleanly", svc.Name())
		} else {
			m.log.Infof("service %s stopped", svc.Name())
		}
	}
	m.started = nil
}
