package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func pendingRide(id string) *models.Ride {
	now := time.Now()
	return &models.Ride{
		ID:            id,
		RiderID:       "r1",
		Status:        models.StatusPending,
		Class:         models.ClassStandard,
		PaymentMethod: models.PayCash,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAcceptExclusivity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, pendingRide("ride1")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, driver := range []string{"dA", "dB"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			results <- s.AcceptPending(ctx, "ride1", d, time.Now())
		}(driver)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}

	r, err := s.Get(ctx, "ride1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", r.Status)
	}
	if r.DriverID != "dA" && r.DriverID != "dB" {
		t.Fatalf("driver not bound: %q", r.DriverID)
	}
}

func TestAcceptAfterCancelConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, pendingRide("ride1"))

	if err := s.Transition(ctx, "ride1", models.StatusPending, models.StatusCancelled, nil); err != nil {
		t.Fatal(err)
	}
	err := s.AcceptPending(ctx, "ride1", "d1", time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	r, _ := s.Get(ctx, "ride1")
	if r.Status != models.StatusCancelled {
		t.Fatalf("cancelled ride mutated: %s", r.Status)
	}
}

func TestTransitionTableIsForwardOnly(t *testing.T) {
	illegal := []struct {
		from, to models.RideStatus
	}{
		{models.StatusCompleted, models.StatusPending},
		{models.StatusCompleted, models.StatusInProgress},
		{models.StatusInProgress, models.StatusCancelled},
		{models.StatusInProgress, models.StatusPending},
		{models.StatusCancelled, models.StatusAccepted},
		{models.StatusCancelled, models.StatusPending},
		{models.StatusAccepted, models.StatusPending},
		{models.StatusAccepted, models.StatusCompleted},
	}
	for _, c := range illegal {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s must be illegal", c.from, c.to)
		}
	}
	legal := []struct {
		from, to models.RideStatus
	}{
		{models.StatusPending, models.StatusAccepted},
		{models.StatusPending, models.StatusCancelled},
		{models.StatusAccepted, models.StatusInProgress},
		{models.StatusAccepted, models.StatusCancelled},
		{models.StatusInProgress, models.StatusCompleted},
	}
	for _, c := range legal {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s must be legal", c.from, c.to)
		}
	}
}

func TestTransitionGuardLeavesRideUnchangedOnFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, pendingRide("ride1"))
	_ = s.AcceptPending(ctx, "ride1", "d1", time.Now())

	// wrong precondition: ride is accepted, not in_progress
	err := s.Transition(ctx, "ride1", models.StatusInProgress, models.StatusCompleted, func(r *models.Ride) {
		now := time.Now()
		r.CompletedAt = &now
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	r, _ := s.Get(ctx, "ride1")
	if r.Status != models.StatusAccepted || r.CompletedAt != nil {
		t.Fatalf("failed write mutated ride: %+v", r)
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, pendingRide("ride1"))

	if err := s.AcceptPending(ctx, "ride1", "d1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "ride1", models.StatusAccepted, models.StatusInProgress, func(r *models.Ride) {
		now := time.Now()
		r.StartedAt = &now
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "ride1", models.StatusInProgress, models.StatusCompleted, func(r *models.Ride) {
		now := time.Now()
		r.CompletedAt = &now
		r.PaymentStatus = models.PaymentPaid
	}); err != nil {
		t.Fatal(err)
	}

	r, _ := s.Get(ctx, "ride1")
	if r.Status != models.StatusCompleted || r.StartedAt == nil || r.CompletedAt == nil {
		t.Fatalf("lifecycle incomplete: %+v", r)
	}
	if r.PaymentStatus != models.PaymentPaid {
		t.Fatalf("payment not advanced: %s", r.PaymentStatus)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, pendingRide("a"))
	_ = s.Create(ctx, pendingRide("b"))
	_ = s.AcceptPending(ctx, "b", "d1", time.Now())

	pending, err := s.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Fatalf("expected [a], got %+v", pending)
	}
}
