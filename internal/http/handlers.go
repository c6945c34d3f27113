package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
)

// Caller identity arrives from the auth layer in front of this service as
// trusted headers. The engine enforces ownership (only the assigned driver
// may start or complete a ride) but does not authenticate.
const (
	headerRider  = "X-Rider-ID"
	headerDriver = "X-Driver-ID"
)

type quoteRequest struct {
	Pickup  models.Location  `json:"pickup"`
	Dropoff models.Location  `json:"dropoff"`
	Class   models.RideClass `json:"class"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !in.Pickup.Valid() || !in.Dropoff.Valid() {
		http.Error(w, "invalid coordinates", http.StatusUnprocessableEntity)
		return
	}
	if in.Class == "" {
		in.Class = models.ClassStandard
	}
	q, err := s.Controller.Estimator.QuoteTrip(r.Context(), in.Pickup, in.Dropoff, in.Class)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"quote": q}
	// rider-facing ETA includes the nearest driver's approach leg
	if cands, err := s.Controller.Candidates(r.Context(), in.Pickup); err == nil && len(cands) > 0 {
		resp["eta_min"] = fare.ETAMinutes(q, cands[0].DistanceKm, time.Now().Hour())
		resp["nearest_driver"] = cands[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var in dispatch.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rid := r.Header.Get(headerRider); rid != "" {
		in.RiderID = rid
	}
	ride, q, err := s.Controller.Request(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": rideView(ride), "quote": q})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Controller.Store.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView(ride))
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	list, err := s.Controller.PendingRides(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, ride := range list {
		out = append(out, rideView(ride))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID := r.Header.Get(headerDriver)
	ride, err := s.Controller.Accept(r.Context(), mux.Vars(r)["ride_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView(ride))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Controller.Start(r.Context(), mux.Vars(r)["ride_id"], r.Header.Get(headerDriver))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView(ride))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Controller.Complete(r.Context(), mux.Vars(r)["ride_id"], r.Header.Get(headerDriver))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView(ride))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(headerRider)
	if actor == "" {
		actor = r.Header.Get(headerDriver)
	}
	ride, err := s.Controller.Cancel(r.Context(), mux.Vars(r)["ride_id"], actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView(ride))
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon query params required", http.StatusBadRequest)
		return
	}
	cands, err := s.Controller.Candidates(r.Context(), models.Location{Latitude: lat, Longitude: lon})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// empty list is a normal outcome: "no drivers available", not an error
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	if err := s.Presence.SetOnline(r.Context(), driverID, in.Online); err != nil {
		s.writeError(w, err)
		return
	}
	if in.Online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetVerified is the provisioning hook: account verification is owned
// by an external system, this is just where its decision lands.
func (s *Server) handleSetVerified(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Presence.SetVerified(r.Context(), mux.Vars(r)["driver_id"], in.Verified); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationPush(w http.ResponseWriter, r *http.Request) {
	var push models.LocationPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if push.DriverID == "" || !push.Location.Valid() {
		http.Error(w, "invalid location push", http.StatusUnprocessableEntity)
		return
	}
	if push.At.IsZero() {
		push.At = time.Now()
	}
	// publish to kafka if configured; the consumer applies it to presence
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(push); err != nil {
			s.logger.Warn("kafka publish failed, applying directly", "driver_id", push.DriverID, "error", err)
		}
	}
	if err := s.Presence.UpdateLocation(r.Context(), push.DriverID, push.Location, push.At); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(driverID, conn)
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Conflicts
// are recoverable: the client re-queries candidates and retries elsewhere.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, rides.ErrConflict):
		http.Error(w, "ride no longer available, try another", http.StatusConflict)
	case errors.Is(err, dispatch.ErrUnauthorized):
		http.Error(w, "not your ride", http.StatusForbidden)
	case errors.Is(err, rides.ErrNotFound):
		http.Error(w, "ride not found", http.StatusNotFound)
	default:
		s.logger.Error("internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func rideView(r *models.Ride) map[string]any {
	v := map[string]any{
		"id":              r.ID,
		"rider_id":        r.RiderID,
		"pickup":          r.Pickup,
		"dropoff":         r.Dropoff,
		"pickup_address":  r.PickupAddress,
		"dropoff_address": r.DropoffAddress,
		"distance_km":     r.DistanceKm,
		"duration_min":    r.DurationMin,
		"fare":            r.Fare,
		"class":           r.Class,
		"payment_method":  r.PaymentMethod,
		"payment_status":  r.PaymentStatus,
		"status":          r.Status,
		"created_at":      r.CreatedAt,
	}
	if r.DriverID != "" {
		v["driver_id"] = r.DriverID
	}
	if r.StartedAt != nil {
		v["started_at"] = r.StartedAt
	}
	if r.CompletedAt != nil {
		v["completed_at"] = r.CompletedAt
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
