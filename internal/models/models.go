package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies inside the WGS84 ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

// VehicleAny matches every vehicle type when used as a search filter.
const VehicleAny = "any"

type Driver struct {
	ID                 string       `json:"id"`
	Loc                Coord        `json:"loc"`
	Status             DriverStatus `json:"status"`
	VehicleType        string       `json:"vehicle_type"`
	Rating             float64      `json:"rating"` // 0..5
	SpeedMps           float64      `json:"speed_mps,omitempty"`
	ConnectionRef      string       `json:"connection_ref"`
	LastLocationUpdate time.Time    `json:"last_location_update"`
}

// DriverAttributes is the mutable profile data supplied at registration.
type DriverAttributes struct {
	VehicleType   string  `json:"vehicle_type"`
	Rating        float64 `json:"rating"`
	ConnectionRef string  `json:"connection_ref"`
}

// Candidate is a driver that passed the eligibility filter for a search.
type Candidate struct {
	Driver     Driver  `json:"driver"`
	DistanceKm float64 `json:"distance_km"`
}

type RideStatus string

const (
	RideSearching      RideStatus = "searching"
	RideAccepted       RideStatus = "accepted"
	RideAllRejected    RideStatus = "all_rejected"
	RideNoDriversFound RideStatus = "no_drivers_found"
	RideTimeout        RideStatus = "timeout"
	RideCancelled      RideStatus = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s RideStatus) Terminal() bool {
	return s != RideSearching
}

type ResponseKind string

const (
	ResponseAccept ResponseKind = "accept"
	ResponseReject ResponseKind = "reject"
)

type DriverResponse struct {
	Response ResponseKind `json:"response"`
	At       time.Time    `json:"at"`
}

type RideRequest struct {
	ID                 string                    `json:"id"`
	RiderID            string                    `json:"rider_id"`
	RiderConnectionRef string                    `json:"rider_connection_ref"`
	Pickup             Coord                     `json:"pickup"`
	Drop               *Coord                    `json:"drop,omitempty"`
	VehicleType        string                    `json:"vehicle_type"`
	FareEstimate       float64                   `json:"fare_estimate"`
	Status             RideStatus                `json:"status"`
	Radius             float64                   `json:"radius_km"`
	Attempt            int                       `json:"attempt"`
	NotifiedDrivers    []string                  `json:"notified_drivers"`
	Responses          map[string]DriverResponse `json:"responses"`
	AcceptedBy         string                    `json:"accepted_by,omitempty"`
	PaymentRef         string                    `json:"payment_ref,omitempty"`
	Version            int64                     `json:"version"`
	CreatedAt          time.Time                 `json:"created_at"`
	ExpiresAt          time.Time                 `json:"expires_at"`
	ClosedAt           *time.Time                `json:"closed_at,omitempty"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
	// ReleasedAt is set when the accepted driver left before completing.
	ReleasedAt         *time.Time                `json:"released_at,omitempty"`
}

// WasNotified reports whether driverID already received an offer for this request.
func (r *RideRequest) WasNotified(driverID string) bool {
	for _, id := range r.NotifiedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the store.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	cp.NotifiedDrivers = append([]string(nil), r.NotifiedDrivers...)
	cp.Responses = make(map[string]DriverResponse, len(r.Responses))
	for k, v := range r.Responses {
		cp.Responses[k] = v
	}
	if r.Drop != nil {
		d := *r.Drop
		cp.Drop = &d
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.ReleasedAt != nil {
		t := *r.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

type LostReason string

const (
	LostAlreadyAccepted LostReason = "already_accepted"
	LostRequestClosed   LostReason = "request_closed"
	LostDriverBusy      LostReason = "driver_busy"
	LostNotOffered      LostReason = "not_offered"
)

// AcceptOutcome is the result of the single-winner primitive.
type AcceptOutcome struct {
	Won       bool       `json:"won"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Reason    LostReason `json:"reason,omitempty"`
}
