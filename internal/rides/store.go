package rides

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrConflict means the guarded write lost: the ride was no longer in the
	// expected status at write time. Callers refresh and retry elsewhere.
	ErrConflict = errors.New("ride state conflict")
	ErrNotFound = errors.New("ride not found")
)

// Store persists ride records. The accept path is the only multi-writer
// contention point, so it is the only conditional write; everything else is
// owned by a single actor at a time.
type Store interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// AcceptPending binds driverID and moves pending -> accepted, but only if
	// the ride is still pending at the moment of the write. Compare-and-swap,
	// not a blind update: this is what keeps two drivers from both winning.
	AcceptPending(ctx context.Context, rideID, driverID string, at time.Time) error
	// Transition moves from -> to under the same guard, applying mutate to
	// the row inside the write. A failed write leaves the ride unchanged.
	Transition(ctx context.Context, rideID string, from, to models.RideStatus, mutate func(*models.Ride)) error
	ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
}

// allowed is the forward-only transition table. Accept is handled separately
// by AcceptPending but listed here so guards agree on one source of truth.
var allowed = map[models.RideStatus][]models.RideStatus{
	models.StatusPending:    {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.RideStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MemoryStore is the in-process implementation. The mutex makes each guarded
// write atomic, mirroring the single-row atomicity the Postgres store gets
// from its conditional UPDATE.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AcceptPending(_ context.Context, rideID, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.StatusPending {
		return ErrConflict
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, rideID string, from, to models.RideStatus, mutate func(*models.Ride)) error {
	if !CanTransition(from, to) {
		return ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(r)
	}
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}
