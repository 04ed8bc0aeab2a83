package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

type registerDriverRequest struct {
	DriverID      string  `json:"driver_id"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	VehicleType   string  `json:"vehicle_type"`
	Rating        float64 `json:"rating"`
	ConnectionRef string  `json:"connection_ref"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req registerDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.DriverID) == "" {
		s.writeError(w, r, models.Invalid("driver_id is required"))
		return
	}
	d, err := s.engine.RegisterDriver(r.Context(), req.DriverID, models.Coord{Lat: req.Lat, Lng: req.Lng}, models.DriverAttributes{
		VehicleType:   req.VehicleType,
		Rating:        req.Rating,
		ConnectionRef: req.ConnectionRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.engine.Driver(id)
	if !ok {
		s.writeError(w, r, models.NotRegistered(id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRemoveDriver(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveDriver(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationRequest struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	SpeedMps float64 `json:"speed_mps"`
}

// handleDriverLocation publishes to the ingest topic when one is configured
// and answers 202; otherwise it applies the update and answers 204.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.applyLocation(r.Context(), id, locationFrame{Lat: req.Lat, Lng: req.Lng, SpeedMps: req.SpeedMps})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status models.DriverStatus `json:"status"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetDriverStatus(r.Context(), mux.Vars(r)["id"], req.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type dispatchRequest struct {
	RiderID       string        `json:"rider_id"`
	ConnectionRef string        `json:"connection_ref"`
	Pickup        models.Coord  `json:"pickup"`
	Drop          *models.Coord `json:"drop"`
	VehicleType   string        `json:"vehicle_type"`
	FareEstimate  float64       `json:"fare_estimate"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.DispatchRideRequest(r.Context(), matcher.DispatchParams{
		RiderID:            req.RiderID,
		RiderConnectionRef: req.ConnectionRef,
		Pickup:             req.Pickup,
		Drop:               req.Drop,
		VehicleType:        req.VehicleType,
		FareEstimate:       req.FareEstimate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.GetRide(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type respondRequest struct {
	DriverID string              `json:"driver_id"`
	Response models.ResponseKind `json:"response"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.engine.RespondToRide(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	RiderID string `json:"rider_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.CancelRideRequest(r.Context(), mux.Vars(r)["id"], req.RiderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type completeRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.CompleteRide(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}
