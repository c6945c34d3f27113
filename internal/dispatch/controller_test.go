package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/candidates"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/routing"
)

type fakeProvider struct {
	route routing.Route
	err   error
}

func (f *fakeProvider) Route(ctx context.Context, a, b models.Location) (routing.Route, error) {
	return f.route, f.err
}

type fakeOffers struct {
	mu     sync.Mutex
	offers map[string][]models.RideOffer
}

func newFakeOffers() *fakeOffers {
	return &fakeOffers{offers: make(map[string][]models.RideOffer)}
}

func (f *fakeOffers) Offer(driverID string, offer models.RideOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[driverID] = append(f.offers[driverID], offer)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Publish(_ context.Context, event string, _ *models.Ride) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakePayments struct {
	held, captured, cancelled []string
	holdErr                   error
}

func (f *fakePayments) Hold(_ context.Context, amount int64, currency, customer string) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	ref := "pi_test"
	f.held = append(f.held, ref)
	return ref, nil
}

func (f *fakePayments) Capture(_ context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakePayments) Cancel(_ context.Context, ref string) error {
	f.cancelled = append(f.cancelled, ref)
	return nil
}

var (
	nycPickup  = models.Location{Latitude: 40.7128, Longitude: -74.0060}
	nycDropoff = models.Location{Latitude: 40.7306, Longitude: -73.9352}
)

// placeDriver puts an online verified driver roughly km kilometres north of
// the pickup point.
func placeDriver(t *testing.T, p *presence.Memory, id string, km float64) {
	t.Helper()
	ctx := context.Background()
	_ = p.SetOnline(ctx, id, true)
	_ = p.SetVerified(ctx, id, true)
	loc := models.Location{Latitude: nycPickup.Latitude + km/111.19, Longitude: nycPickup.Longitude}
	_ = p.UpdateLocation(ctx, id, loc, time.Now())
}

func newTestController(t *testing.T) (*Controller, *presence.Memory, *fakeOffers, *fakeEvents) {
	t.Helper()
	pres := presence.NewMemory()
	sel := candidates.NewSelector(pres, 0)
	est := fare.NewEstimator(&fakeProvider{route: routing.Route{DistanceKm: 9.5, DurationMin: 25}}, nil, nil)
	offers := newFakeOffers()
	events := &fakeEvents{}
	c := NewController(rides.NewMemoryStore(), sel, est, offers, events, nil)
	return c, pres, offers, events
}

func TestRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, pres, offers, events := newTestController(t)
	placeDriver(t, pres, "near", 2)
	placeDriver(t, pres, "mid", 8)
	placeDriver(t, pres, "far", 20)

	ride, q, err := c.Request(ctx, RequestInput{
		RiderID: "rider1",
		Pickup:  nycPickup,
		Dropoff: nycDropoff,
		Class:   models.ClassStandard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusPending || ride.DriverID != "" {
		t.Fatalf("broadcast ride must start pending and unbound: %+v", ride)
	}
	if q.Fare < 5.00 {
		t.Fatalf("fare under standard floor: %f", q.Fare)
	}

	// rider-facing discovery: 10km radius keeps [near, mid], closest first
	cands, err := c.Candidates(ctx, nycPickup)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 || cands[0].Driver.DriverID != "near" || cands[1].Driver.DriverID != "mid" {
		t.Fatalf("wrong candidates: %+v", cands)
	}
	if n := candidates.Nearest(cands); n.Driver.DriverID != "near" {
		t.Fatalf("nearest should be 'near', got %s", n.Driver.DriverID)
	}

	// fan-out uses the wider driver radius: near and mid offered, far not
	if len(offers.offers["near"]) != 1 || len(offers.offers["mid"]) != 1 {
		t.Fatalf("in-radius drivers missed the offer: %+v", offers.offers)
	}
	if len(offers.offers["far"]) != 0 {
		t.Fatal("out-of-radius driver received an offer")
	}
	if len(events.events) != 1 || events.events[0] != EventRequested {
		t.Fatalf("expected [ride.requested], got %v", events.events)
	}
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)

	_, _, err := c.Request(ctx, RequestInput{
		RiderID: "r1",
		Pickup:  models.Location{Latitude: 91, Longitude: 0},
		Dropoff: nycDropoff,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad latitude, got %v", err)
	}

	c.Estimator = fare.NewEstimator(&fakeProvider{route: routing.Route{DistanceKm: 0.05, DurationMin: 1}}, nil, nil)
	_, _, err = c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for too-short trip, got %v", err)
	}

	c.Estimator = fare.NewEstimator(&fakeProvider{route: routing.Route{DistanceKm: 150, DurationMin: 120}}, nil, nil)
	_, _, err = c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for too-long trip, got %v", err)
	}
}

func TestPreferredDriverNarrowsFanOutOnly(t *testing.T) {
	ctx := context.Background()
	c, pres, offers, _ := newTestController(t)
	placeDriver(t, pres, "chosen", 2)
	placeDriver(t, pres, "other", 3)

	ride, _, err := c.Request(ctx, RequestInput{
		RiderID:           "rider1",
		Pickup:            nycPickup,
		Dropoff:           nycDropoff,
		PreferredDriverID: "chosen",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusPending || ride.DriverID != "" {
		t.Fatalf("preselection must not bypass the accept guard: %+v", ride)
	}
	if len(offers.offers["chosen"]) != 1 || len(offers.offers["other"]) != 0 {
		t.Fatalf("fan-out not narrowed: %+v", offers.offers)
	}
}

func TestConcurrentAcceptOneWinner(t *testing.T) {
	ctx := context.Background()
	c, pres, _, _ := newTestController(t)
	placeDriver(t, pres, "dA", 2)
	placeDriver(t, pres, "dB", 3)

	ride, _, err := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, d := range []string{"dA", "dB"} {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			_, err := c.Accept(ctx, ride.ID, driver)
			results <- err
		}(d)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, rides.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner one conflict, got %d/%d", wins, conflicts)
	}

	got, _ := c.Store.Get(ctx, ride.ID)
	if got.Status != models.StatusAccepted || got.DriverID == "" {
		t.Fatalf("winner not bound: %+v", got)
	}
}

func TestCancelledRideCannotBeAccepted(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)

	ride, _, err := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Cancel(ctx, ride.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	_, err = c.Accept(ctx, ride.ID, "d1")
	if !errors.Is(err, rides.ErrConflict) {
		t.Fatalf("accept on cancelled ride must conflict, got %v", err)
	}
}

func TestStartCompleteAuthorization(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)

	ride, _, _ := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	if _, err := c.Accept(ctx, ride.ID, "winner"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Start(ctx, ride.ID, "impostor"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.Start(ctx, ride.ID, "winner"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, ride.ID, "impostor"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	got, err := c.Complete(ctx, ride.ID, "winner")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCompleted || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("lifecycle incomplete: %+v", got)
	}
	if got.PaymentStatus != models.PaymentPaid {
		t.Fatalf("cash ride should settle on completion: %s", got.PaymentStatus)
	}
}

func TestCancelOwnership(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)

	ride, _, _ := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	if _, err := c.Cancel(ctx, ride.ID, "someone-else"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pending cancel by stranger must fail, got %v", err)
	}

	_, _ = c.Accept(ctx, ride.ID, "driver1")
	// assigned driver may cancel an accepted ride; their id stays on record
	got, err := c.Cancel(ctx, ride.ID, "driver1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled || got.DriverID != "driver1" {
		t.Fatalf("driver cancel should leave binding: %+v", got)
	}
}

func TestRiderCancelClearsBinding(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)

	ride, _, _ := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	_, _ = c.Accept(ctx, ride.ID, "driver1")

	got, err := c.Cancel(ctx, ride.ID, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled || got.DriverID != "" {
		t.Fatalf("rider cancel should clear binding: %+v", got)
	}
}

func TestCannotCancelInProgress(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)

	ride, _, _ := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	_, _ = c.Accept(ctx, ride.ID, "d1")
	_, _ = c.Start(ctx, ride.ID, "d1")

	if _, err := c.Cancel(ctx, ride.ID, "r1"); !errors.Is(err, rides.ErrConflict) {
		t.Fatalf("in_progress cancel must conflict, got %v", err)
	}
}

func TestCardPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)
	pay := &fakePayments{}
	c.Payments = pay

	ride, _, err := c.Request(ctx, RequestInput{
		RiderID:       "r1",
		Pickup:        nycPickup,
		Dropoff:       nycDropoff,
		PaymentMethod: models.PayCard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ride.PaymentRef == "" || len(pay.held) != 1 {
		t.Fatalf("card request should hold funds: %+v", ride)
	}

	_, _ = c.Accept(ctx, ride.ID, "d1")
	_, _ = c.Start(ctx, ride.ID, "d1")
	got, err := c.Complete(ctx, ride.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pay.captured) != 1 || got.PaymentStatus != models.PaymentPaid {
		t.Fatalf("capture not performed: %+v", got)
	}
}

func TestCompleteBeforeStartDoesNotCapture(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)
	pay := &fakePayments{}
	c.Payments = pay

	ride, _, err := c.Request(ctx, RequestInput{
		RiderID:       "r1",
		Pickup:        nycPickup,
		Dropoff:       nycDropoff,
		PaymentMethod: models.PayCard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Accept(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	// assigned driver completes a ride that was never started
	if _, err := c.Complete(ctx, ride.ID, "d1"); !errors.Is(err, rides.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(pay.captured) != 0 {
		t.Fatalf("card captured on a failed transition: %v", pay.captured)
	}
	got, _ := c.Store.Get(ctx, ride.ID)
	if got.Status != models.StatusAccepted || got.PaymentStatus != models.PaymentPending {
		t.Fatalf("failed complete mutated ride: %+v", got)
	}
}

func TestCardCancelReleasesHold(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestController(t)
	pay := &fakePayments{}
	c.Payments = pay

	ride, _, _ := c.Request(ctx, RequestInput{
		RiderID:       "r1",
		Pickup:        nycPickup,
		Dropoff:       nycDropoff,
		PaymentMethod: models.PayCard,
	})
	if _, err := c.Cancel(ctx, ride.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	if len(pay.cancelled) != 1 {
		t.Fatal("hold not released on cancel")
	}
}

func TestLifecycleEventsEmitted(t *testing.T) {
	ctx := context.Background()
	c, _, _, events := newTestController(t)

	ride, _, _ := c.Request(ctx, RequestInput{RiderID: "r1", Pickup: nycPickup, Dropoff: nycDropoff})
	_, _ = c.Accept(ctx, ride.ID, "d1")
	_, _ = c.Start(ctx, ride.ID, "d1")
	_, _ = c.Complete(ctx, ride.ID, "d1")

	want := []string{EventRequested, EventAccepted, EventStarted, EventCompleted}
	if len(events.events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events.events)
	}
	for i := range want {
		if events.events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events.events)
		}
	}
}
