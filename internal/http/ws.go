package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{}

// clientFrame is the inbound message shape on the realtime channel.
type clientFrame struct {
	Type     string       `json:"type"`
	RideID   string       `json:"ride_id,omitempty"`
	EventID  string       `json:"event_id,omitempty"`
	DriverID string       `json:"driver_id,omitempty"`
	Location models.Coord `json:"location,omitempty"`
	Heading  float64      `json:"heading,omitempty"`
	Speed    float64      `json:"speed,omitempty"`
	Rating   float64      `json:"rating,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sess := s.deps.Hub.NewSession()

	// Writer: drain the session queue onto the socket. The hub closes the
	// session if this connection cannot keep up, which ends both loops.
	go func() {
		defer conn.Close()
		for {
			select {
			case ev := <-sess.Events():
				if err := conn.WriteJSON(ev); err != nil {
					sess.Close()
					return
				}
			case <-sess.Done():
				return
			}
		}
	}()

	// Reader: handle subscription management and driver location frames.
	defer sess.Close()
	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "subscribe_ride":
			if f.RideID != "" {
				s.deps.Hub.Subscribe(sess, models.RideTopic(f.RideID))
			}
		case "unsubscribe_ride":
			if f.RideID != "" {
				s.deps.Hub.Unsubscribe(sess, models.RideTopic(f.RideID))
			}
		case "subscribe_safety_event":
			if f.EventID != "" {
				s.deps.Hub.Subscribe(sess, models.SafetyTopic(f.EventID))
			}
		case "unsubscribe_safety_event":
			if f.EventID != "" {
				s.deps.Hub.Unsubscribe(sess, models.SafetyTopic(f.EventID))
			}
		case "subscribe_driver":
			if f.DriverID != "" {
				s.deps.Hub.Subscribe(sess, models.DriverTopic(f.DriverID))
			}
		case "update_driver_location":
			if f.DriverID != "" && f.Location.Valid() {
				s.applyDriverLocation(models.Driver{
					ID:      f.DriverID,
					Loc:     f.Location,
					Heading: f.Heading,
					Speed:   f.Speed,
					Rating:  f.Rating,
				})
			}
		default:
			s.logger.Debug("unknown ws frame", "type", f.Type)
		}
	}
}
