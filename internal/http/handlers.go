package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/derrors"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/safety"
)

type createRideRequest struct {
	RiderID string       `json:"rider_id"`
	Pickup  models.Coord `json:"pickup"`
	Dropoff models.Coord `json:"dropoff"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, derrors.Wrap(err, derrors.CodeValidation, "malformed request body"))
		return
	}
	if req.RiderID == "" {
		req.RiderID = subjectFromContext(r.Context())
	}
	ride, err := s.deps.Lifecycle.Create(r.Context(), req.RiderID, req.Pickup, req.Dropoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	go s.runMatching(ride)
	s.writeJSON(w, http.StatusCreated, ride)
}

// runMatching drives FindDriver off the request goroutine. No drivers and
// cancellation are expected outcomes; the ride simply stays Requested.
func (s *Server) runMatching(ride *models.Ride) {
	matched, err := s.deps.Matching.FindDriver(context.Background(), ride)
	switch {
	case err == nil:
		s.logger.Info("ride matched", "ride_id", ride.ID, "driver_id", matched.DriverID)
	case errors.Is(err, derrors.ErrNoDriversFound):
		s.logger.Warn("no drivers found", "ride_id", ride.ID)
	case errors.Is(err, matching.ErrRideCanceled):
		s.logger.Info("matching canceled", "ride_id", ride.ID)
	default:
		s.logger.Error("matching failed", "ride_id", ride.ID, "error", err)
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.deps.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

type cancelRideRequest struct {
	Version int64 `json:"version"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req cancelRideRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, derrors.Wrap(err, derrors.CodeValidation, "malformed request body"))
			return
		}
	}
	if req.Version == 0 {
		cur, err := s.deps.Lifecycle.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.Version = cur.Version
	}
	ride, err := s.deps.Lifecycle.Cancel(r.Context(), id, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleSubmitSafety(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		s.writeError(w, r, derrors.New(derrors.CodeValidation, "Idempotency-Key header is required"))
		return
	}
	var req safety.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, derrors.Wrap(err, derrors.CodeValidation, "malformed request body"))
		return
	}
	ev, created, err := s.deps.Safety.Submit(r.Context(), subjectFromContext(r.Context()), key, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, ev)
}

func (s *Server) handleGetSafety(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Safety.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEscalateSafety(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Safety.Escalate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

type assignSafetyRequest struct {
	Responder string `json:"responder"`
}

func (s *Server) handleAssignSafety(w http.ResponseWriter, r *http.Request) {
	var req assignSafetyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, derrors.Wrap(err, derrors.CodeValidation, "malformed request body"))
		return
	}
	ev, err := s.deps.Safety.Assign(r.Context(), mux.Vars(r)["id"], req.Responder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleResolveSafety(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Safety.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleFalseAlarmSafety(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Safety.MarkFalseAlarm(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

type offerResponseRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	var req offerResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, derrors.Wrap(err, derrors.CodeValidation, "malformed request body"))
		return
	}
	if err := s.deps.Matching.Respond(mux.Vars(r)["id"], req.Accept); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.writeError(w, r, derrors.Wrap(err, derrors.CodeValidation, "malformed request body"))
		return
	}
	if d.ID == "" || !d.Loc.Valid() {
		s.writeError(w, r, derrors.New(derrors.CodeValidation, "driver id and a valid location are required"))
		return
	}
	s.applyDriverLocation(d)
	w.WriteHeader(http.StatusNoContent)
}

// applyDriverLocation is the single sink for location updates from both
// the REST ingest and the websocket frame.
func (s *Server) applyDriverLocation(d models.Driver) {
	d.Available = true
	if s.deps.Kafka != nil {
		if err := s.deps.Kafka.PublishLocation(d); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", d.ID, "error", err)
		}
	}
	s.deps.Geo.Upsert(d)
	observability.DriverLocationUpdates.Inc()
	s.deps.Hub.Publish(models.DriverTopic(d.ID), models.EventDriverLocation, models.DriverLocationUpdate{
		DriverID: d.ID,
		Location: d.Loc,
		Heading:  d.Heading,
		Speed:    d.Speed,
	})
}
