package dispatch

import (
	"context"
	"errors"
)

// Event names delivered to driver and rider endpoints.
const (
	EventRideOffer          = "ride-offer"
	EventRideOfferCancelled = "ride-offer-cancelled"
	EventSearchExpanding    = "search-expanding"
	EventDriversFound       = "drivers-found"
	EventNoDriversFound     = "no-drivers-found"
	EventRideAccepted       = "ride-accepted"
	EventRideAllRejected    = "ride-all-rejected"
	EventRideTimeout        = "ride-timeout"
	EventRideCancelledAck   = "ride-cancelled-ack"
	EventDriverUnavailable  = "driver-unavailable"
)

// Envelope is the frame written to a connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Gateway delivers events to connection refs. Sending to a ref that is not
// connected is not an error for Broadcast.
type Gateway interface {
	Notify(ctx context.Context, ref, event string, payload any) error
	Broadcast(ctx context.Context, refs []string, event string, payload any) error
	IsConnected(ref string) bool
}

var ErrNoSession = errors.New("no ws session")

// Nop drops every event. Used when no transport is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, any) error      { return nil }
func (Nop) Broadcast(context.Context, []string, string, any) error { return nil }
func (Nop) IsConnected(string) bool                                { return false }
