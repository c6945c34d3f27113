package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the single source of truth for where each driver is right now and
// whether they can take a ride.
type Store interface {
	SetOnline(ctx context.Context, driverID string, online bool) error
	SetVerified(ctx context.Context, driverID string, verified bool) error
	// UpdateLocation is last-write-wins by the device timestamp: a push that
	// arrives out of order behind a newer one is discarded.
	UpdateLocation(ctx context.Context, driverID string, loc models.Location, at time.Time) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error)
	// Snapshot returns all drivers that are online and verified. Location and
	// freshness filtering is the candidate selector's job.
	Snapshot(ctx context.Context) ([]models.DriverPresence, error)
}

// Memory is a mutex-guarded map implementation, used for tests and for
// single-process deployments without Redis.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.DriverPresence)}
}

func (m *Memory) SetOnline(_ context.Context, driverID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[driverID]
	d.DriverID = driverID
	d.Online = online
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) SetVerified(_ context.Context, driverID string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[driverID]
	d.DriverID = driverID
	d.Verified = verified
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) UpdateLocation(_ context.Context, driverID string, loc models.Location, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[driverID]
	if at.Before(d.UpdatedAt) {
		return nil
	}
	d.DriverID = driverID
	d.LastLocation = &loc
	d.UpdatedAt = at
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) Get(_ context.Context, driverID string) (models.DriverPresence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	return d, ok, nil
}

func (m *Memory) Snapshot(_ context.Context) ([]models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(m.drivers))
	for _, d := range m.drivers {
		if !d.Online || !d.Verified {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
