package models

// Payloads delivered through the transport gateway.

type RideOffer struct {
	RequestID      string  `json:"requestId"`
	Pickup         Coord   `json:"pickup"`
	DistanceKm     float64 `json:"distanceKm"`
	VehicleType    string  `json:"vehicleType"`
	FareEstimate   float64 `json:"fareEstimate"`
	TimeoutSeconds int     `json:"timeout"`
}

type RideOfferCancelled struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

type SearchExpanding struct {
	RequestID string  `json:"requestId"`
	Radius    float64 `json:"radius"`
	Attempt   int     `json:"attempt"`
}

type DriversFound struct {
	RequestID       string  `json:"requestId"`
	DriversNotified int     `json:"driversNotified"`
	SearchRadius    float64 `json:"searchRadius"`
}

type NoDriversFound struct {
	RequestID    string  `json:"requestId"`
	SearchRadius float64 `json:"searchRadius"`
}

type RideAcceptedPayload struct {
	RequestID  string  `json:"requestId"`
	DriverID   string  `json:"driverId"`
	ETASeconds float64 `json:"eta"`
}

// RideClosed covers ride-all-rejected, ride-timeout and ride-cancelled-ack.
type RideClosed struct {
	RequestID string     `json:"requestId"`
	Status    RideStatus `json:"status"`
}

type DriverUnavailable struct {
	RequestID string `json:"requestId"`
	DriverID  string `json:"driverId"`
}

// Offer cancellation reasons shown to drivers.
const (
	CancelReasonAlreadyAccepted = "already accepted"
	CancelReasonRequestClosed   = "request closed"
	CancelReasonDriverBusy      = "driver busy"
	CancelReasonNotOffered      = "not offered"
	CancelReasonRiderCancelled  = "cancelled by rider"
	CancelReasonTimeout         = "timeout"
	CancelReasonAllRejected     = "all rejected"
)

// CancelReasonFor maps a lost accept to the reason shown to the late driver.
func CancelReasonFor(r LostReason) string {
	switch r {
	case LostAlreadyAccepted:
		return CancelReasonAlreadyAccepted
	case LostDriverBusy:
		return CancelReasonDriverBusy
	case LostNotOffered:
		return CancelReasonNotOffered
	default:
		return CancelReasonRequestClosed
	}
}
