package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	maxFrameBytes = 4096
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10

	frameRideResponse = "ride-response"
	frameLocation     = "location"
	frameResult       = "ride-response-result"
	frameError        = "error"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type rideResponseFrame struct {
	RequestID string              `json:"requestId"`
	Response  models.ResponseKind `json:"response"`
}

type responseResult struct {
	RequestID string              `json:"requestId"`
	Response  models.ResponseKind `json:"response"`
	Won       bool                `json:"won"`
	Reason    models.LostReason   `json:"reason,omitempty"`
}

type locationFrame struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	SpeedMps float64 `json:"speedMps"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleDriverWS binds a websocket to a registered driver. Closing the
// socket takes the driver offline unless a newer session replaced it.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.engine.Driver(id)
	if !ok {
		s.writeError(w, r, models.NotRegistered(id))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "err", err)
		return
	}
	ref := d.ConnectionRef
	if ref == "" {
		ref = id
	}
	ctx := context.WithoutCancel(r.Context())
	sess := s.sessions.Add(ref, conn)
	s.logger.Info("driver connected", "driver_id", id, "ref", ref)

	s.readLoop(conn, func(f inboundFrame) {
		s.handleDriverFrame(ctx, id, sess, f)
	})

	if s.sessions.Remove(ref, sess) {
		s.logger.Info("driver disconnected", "driver_id", id)
		if err := s.engine.OnDriverDisconnect(ctx, id); err != nil {
			s.logger.Error("driver disconnect handling failed", "driver_id", id, "err", err)
		}
	}
	_ = sess.Close()
}

// handleRiderWS registers a rider session for push events. Riders send
// nothing the engine acts on.
func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "rider_ref", ref, "err", err)
		return
	}
	sess := s.sessions.Add(ref, conn)
	s.logger.Info("rider connected", "rider_ref", ref)
	s.readLoop(conn, func(inboundFrame) {})
	s.sessions.Remove(ref, sess)
	_ = sess.Close()
}

// readLoop delivers frames until the peer goes away.
func (s *Server) readLoop(conn *websocket.Conn, handle func(inboundFrame)) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f inboundFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read error", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(f)
	}
}

func (s *Server) handleDriverFrame(ctx context.Context, driverID string, sess *dispatch.WSSession, f inboundFrame) {
	switch f.Event {
	case frameRideResponse:
		var p rideResponseFrame
		if err := json.Unmarshal(f.Data, &p); err != nil {
			s.sendError(sess, models.Invalid("malformed ride-response: %v", err))
			return
		}
		out, err := s.engine.RespondToRide(ctx, p.RequestID, driverID, p.Response)
		if err != nil {
			s.sendError(sess, err)
			return
		}
		_ = sess.Send(dispatch.Envelope{Event: frameResult, Data: responseResult{
			RequestID: p.RequestID,
			Response:  p.Response,
			Won:       out.Won,
			Reason:    out.Reason,
		}})
	case frameLocation:
		var p locationFrame
		if err := json.Unmarshal(f.Data, &p); err != nil {
			s.sendError(sess, models.Invalid("malformed location: %v", err))
			return
		}
		if err := s.applyLocation(ctx, driverID, p); err != nil {
			s.sendError(sess, err)
		}
	default:
		s.sendError(sess, models.Invalid("unknown event %q", f.Event))
	}
}

func (s *Server) applyLocation(ctx context.Context, driverID string, p locationFrame) error {
	loc := models.Coord{Lat: p.Lat, Lng: p.Lng}
	if !loc.Valid() {
		return models.InvalidLocation(loc)
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, ingest.LocationUpdate{DriverID: driverID, Lat: p.Lat, Lng: p.Lng, SpeedMps: p.SpeedMps}); err != nil {
			return models.Transient(err)
		}
		return nil
	}
	return s.engine.UpdateDriverLocation(ctx, driverID, loc, p.SpeedMps)
}

func (s *Server) sendError(sess *dispatch.WSSession, err error) {
	code := "internal"
	var me *models.Error
	if errors.As(err, &me) {
		code = me.Code
	}
	if err := sess.Send(dispatch.Envelope{Event: frameError, Data: errorFrame{Code: code, Message: err.Error()}}); err != nil {
		s.logger.Debug("ws error frame not delivered", "err", err)
	}
}
