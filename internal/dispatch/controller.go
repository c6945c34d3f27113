package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/candidates"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
)

var (
	ErrValidation   = errors.New("invalid ride request")
	ErrUnauthorized = errors.New("actor does not own this transition")
	ErrNoSession    = errors.New("no websocket session for driver")
)

// trip length bounds rejected before a ride record exists
const (
	minTripKm = 0.1
	maxTripKm = 100.0
)

// Payments is the slice of the payment gateway the controller touches:
// hold on request, capture on completion, release on cancellation.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// Offerer pushes ride offers to individual drivers.
type Offerer interface {
	Offer(driverID string, offer models.RideOffer) error
}

// Controller orchestrates the ride lifecycle: create pending, fan out to
// eligible drivers, arbitrate the accept race, drive the state machine.
type Controller struct {
	Store     rides.Store
	Selector  *candidates.Selector
	Estimator *fare.Estimator
	Offers    Offerer
	Events    EventSink
	Payments  Payments
	Logger    *slog.Logger

	RiderRadiusKm  float64
	DriverRadiusKm float64
}

func NewController(store rides.Store, sel *candidates.Selector, est *fare.Estimator, offers Offerer, events EventSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NopEvents{}
	}
	return &Controller{
		Store:          store,
		Selector:       sel,
		Estimator:      est,
		Offers:         offers,
		Events:         events,
		Logger:         logger,
		RiderRadiusKm:  candidates.DefaultRiderRadiusKm,
		DriverRadiusKm: candidates.DefaultDriverRadiusKm,
	}
}

type RequestInput struct {
	RiderID        string               `json:"rider_id"`
	Pickup         models.Location      `json:"pickup"`
	Dropoff        models.Location      `json:"dropoff"`
	PickupAddress  string               `json:"pickup_address"`
	DropoffAddress string               `json:"dropoff_address"`
	Class          models.RideClass     `json:"class"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	// PreferredDriverID narrows the offer fan-out to one driver. It never
	// bypasses the accept guard: the ride stays pending until that driver
	// confirms.
	PreferredDriverID string `json:"preferred_driver_id,omitempty"`
}

// Request validates and prices the trip, persists a pending ride, and fans
// the offer out to in-radius candidates. An empty candidate set still creates
// the ride: drivers also discover pending rides by polling.
func (c *Controller) Request(ctx context.Context, in RequestInput) (*models.Ride, *fare.Quote, error) {
	if in.RiderID == "" || !in.Pickup.Valid() || !in.Dropoff.Valid() {
		return nil, nil, fmt.Errorf("%w: bad coordinates or missing rider", ErrValidation)
	}
	if in.Class == "" {
		in.Class = models.ClassStandard
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = models.PayCash
	}

	q, err := c.Estimator.QuoteTrip(ctx, in.Pickup, in.Dropoff, in.Class)
	if err != nil {
		return nil, nil, err
	}
	if q.DistanceKm < minTripKm {
		return nil, nil, fmt.Errorf("%w: trip under %.1f km", ErrValidation, minTripKm)
	}
	if q.DistanceKm > maxTripKm {
		return nil, nil, fmt.Errorf("%w: trip over %.0f km", ErrValidation, maxTripKm)
	}

	now := time.Now()
	ride := &models.Ride{
		ID:             newID(),
		RiderID:        in.RiderID,
		Pickup:         in.Pickup,
		Dropoff:        in.Dropoff,
		PickupAddress:  in.PickupAddress,
		DropoffAddress: in.DropoffAddress,
		DistanceKm:     q.DistanceKm,
		DurationMin:    q.DurationMin,
		Fare:           q.Fare,
		Class:          in.Class,
		PaymentMethod:  in.PaymentMethod,
		PaymentStatus:  models.PaymentPending,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.PaymentMethod == models.PayCard && c.Payments != nil {
		ref, err := c.Payments.Hold(ctx, int64(q.Fare*100), "usd", in.RiderID)
		if err != nil {
			return nil, nil, fmt.Errorf("payment hold: %w", err)
		}
		ride.PaymentRef = ref
	}
	if err := c.Store.Create(ctx, ride); err != nil {
		return nil, nil, err
	}
	observability.RidesRequestedTotal.Inc()
	c.Logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID,
		"distance_km", q.DistanceKm, "fare", q.Fare, "degraded_quote", q.Degraded)

	c.fanOut(ctx, ride, in.PreferredDriverID)
	_ = c.Events.Publish(ctx, EventRequested, ride)
	return ride, &q, nil
}

// fanOut offers the ride to every candidate in radius, or to the preselected
// driver alone when the rider chose one. Offer delivery is best-effort.
func (c *Controller) fanOut(ctx context.Context, ride *models.Ride, preferred string) {
	if c.Offers == nil || c.Selector == nil {
		return
	}
	cands, err := c.Selector.FindCandidates(ctx, ride.Pickup, c.DriverRadiusKm)
	if err != nil {
		c.Logger.Warn("candidate query failed, relying on driver polls", "ride_id", ride.ID, "error", err)
		return
	}
	hour := time.Now().Hour()
	for _, cand := range cands {
		if preferred != "" && cand.Driver.DriverID != preferred {
			continue
		}
		offer := models.RideOffer{
			RideID:             ride.ID,
			Pickup:             ride.Pickup,
			Dropoff:            ride.Dropoff,
			PickupAddress:      ride.PickupAddress,
			Class:              ride.Class,
			Fare:               ride.Fare,
			PickupDistanceKm:   cand.DistanceKm,
			EstimatedPickupMin: geo.AdjustForHour(geo.TravelMinutes(cand.DistanceKm, geo.DefaultSpeedKmh), hour),
		}
		_ = c.Offers.Offer(cand.Driver.DriverID, offer)
	}
}

// Accept arbitrates the race: exactly one driver wins the conditional write,
// everyone else gets ErrConflict and should retry against a different ride.
func (c *Controller) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: missing driver", ErrValidation)
	}
	err := c.Store.AcceptPending(ctx, rideID, driverID, time.Now())
	if err != nil {
		if errors.Is(err, rides.ErrConflict) {
			observability.AcceptConflictsTotal.Inc()
		}
		return nil, err
	}
	observability.RidesAcceptedTotal.Inc()
	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	_ = c.Events.Publish(ctx, EventAccepted, ride)
	return ride, nil
}

// Start moves accepted -> in_progress. Only the assigned driver may start.
func (c *Controller) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := c.authorizeDriver(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	err := c.Store.Transition(ctx, rideID, models.StatusAccepted, models.StatusInProgress, func(r *models.Ride) {
		now := time.Now()
		r.StartedAt = &now
	})
	if err != nil {
		return nil, err
	}
	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	_ = c.Events.Publish(ctx, EventStarted, ride)
	return ride, nil
}

// Complete moves in_progress -> completed and advances the payment: card
// holds are captured, cash and QR settle on the spot.
func (c *Controller) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := c.authorizeDriver(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	current, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	// reject before touching the payment gateway: a capture is irreversible
	// external state and must not fire when the transition below would lose
	if current.Status != models.StatusInProgress {
		return nil, rides.ErrConflict
	}
	payStatus := models.PaymentPaid
	if current.PaymentMethod == models.PayCard && c.Payments != nil && current.PaymentRef != "" {
		if err := c.Payments.Capture(ctx, current.PaymentRef); err != nil {
			c.Logger.Error("payment capture failed", "ride_id", rideID, "error", err)
			payStatus = models.PaymentFailed
		}
	}
	err = c.Store.Transition(ctx, rideID, models.StatusInProgress, models.StatusCompleted, func(r *models.Ride) {
		now := time.Now()
		r.CompletedAt = &now
		r.PaymentStatus = payStatus
	})
	if err != nil {
		return nil, err
	}
	observability.RidesCompletedTotal.Inc()
	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID, "payment_status", payStatus)
	_ = c.Events.Publish(ctx, EventCompleted, ride)
	return ride, nil
}

// Cancel is reachable from pending (rider only) and accepted (rider or the
// assigned driver). A rider cancelling an accepted ride clears the binding;
// a driver cancelling leaves their id on the terminal record.
func (c *Controller) Cancel(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	current, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.StatusPending:
		if actorID != current.RiderID {
			return nil, ErrUnauthorized
		}
	case models.StatusAccepted:
		if actorID != current.RiderID && actorID != current.DriverID {
			return nil, ErrUnauthorized
		}
	default:
		return nil, rides.ErrConflict
	}
	byRider := actorID == current.RiderID
	err = c.Store.Transition(ctx, rideID, current.Status, models.StatusCancelled, func(r *models.Ride) {
		if byRider {
			r.DriverID = ""
		}
	})
	if err != nil {
		return nil, err
	}
	if current.PaymentRef != "" && c.Payments != nil {
		if err := c.Payments.Cancel(ctx, current.PaymentRef); err != nil {
			c.Logger.Warn("payment hold release failed", "ride_id", rideID, "error", err)
		}
	}
	observability.RidesCancelledTotal.Inc()
	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("ride cancelled", "ride_id", rideID, "actor_id", actorID)
	_ = c.Events.Publish(ctx, EventCancelled, ride)
	return ride, nil
}

// Candidates is the rider-facing discovery query.
func (c *Controller) Candidates(ctx context.Context, pickup models.Location) ([]models.CandidateDriver, error) {
	if !pickup.Valid() {
		return nil, fmt.Errorf("%w: bad pickup coordinates", ErrValidation)
	}
	return c.Selector.FindCandidates(ctx, pickup, c.RiderRadiusKm)
}

// PendingRides is the driver-facing poll for open requests.
func (c *Controller) PendingRides(ctx context.Context) ([]*models.Ride, error) {
	return c.Store.ListByStatus(ctx, models.StatusPending)
}

func (c *Controller) authorizeDriver(ctx context.Context, rideID, driverID string) error {
	r, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID == "" || r.DriverID != driverID {
		return ErrUnauthorized
	}
	return nil
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
