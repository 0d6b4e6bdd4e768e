// Package realtime pushes slot and schedule changes to connected slot pickers
// over WebSocket so open pickers refresh without polling.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

const sendBuffer = 16

// Message types.
const (
	TypeSubscribed      = "subscribed"
	TypeSlotChanged     = "slot_changed"
	TypeScheduleChanged = "schedule_changed"
	TypePong            = "pong"
)

// Message is what subscribers receive.
type Message struct {
	Type           string `json:"type"`
	PractitionerID string `json:"practitioner_id"`
	Date           string `json:"date,omitempty"`
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	// Available is false while the slot is held or booked.
	Available *bool     `json:"available,omitempty"`
	Revision  int64     `json:"revision,omitempty"`
	At        time.Time `json:"at"`
}

// inbound is what clients may send.
type inbound struct {
	Type string `json:"type"` // "ping"
}

type subscriber struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans change notifications out to the subscribers of each practitioner.
type Hub struct {
	allowedOrigins []string
	logger         *logging.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates a hub. An empty allowedOrigins accepts any origin.
func NewHub(allowedOrigins []string, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		allowedOrigins: allowedOrigins,
		logger:         logger,
		subs:           make(map[string]map[*subscriber]struct{}),
	}
}

// Register mounts the feed on a router scoped to /v1/practitioners/{practitionerID}.
func (h *Hub) Register(r chi.Router) {
	r.Get("/slots/live", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request and streams changes for the practitioner.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	practitionerID := chi.URLParam(r, "practitionerID")
	websocket.Server{
		Handshake: h.handshake,
		Handler: func(conn *websocket.Conn) {
			h.serve(conn, practitionerID)
		},
	}.ServeHTTP(w, r)
}

func (h *Hub) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	cfg.Origin = origin
	if origin == nil || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return nil
	}
	if !slices.Contains(h.allowedOrigins, origin.Scheme+"://"+origin.Host) {
		return fmt.Errorf("realtime: origin %s not allowed", origin)
	}
	return nil
}

func (h *Hub) serve(conn *websocket.Conn, practitionerID string) {
	sub := &subscriber{conn: conn, send: make(chan Message, sendBuffer)}
	h.add(practitionerID, sub)
	h.logger.Debug("realtime: subscriber connected", "practitioner_id", practitionerID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.send {
			if err := websocket.JSON.Send(conn, msg); err != nil {
				_ = conn.Close()
				// Drain until the reader notices and closes send.
				for range sub.send {
				}
				return
			}
		}
	}()

	sub.send <- Message{Type: TypeSubscribed, PractitionerID: practitionerID, At: time.Now().UTC()}
	for {
		var msg inbound
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			break
		}
		if msg.Type == "ping" {
			h.offer(sub, Message{Type: TypePong, PractitionerID: practitionerID, At: time.Now().UTC()})
		}
	}

	h.remove(practitionerID, sub)
	<-done
	h.logger.Debug("realtime: subscriber disconnected", "practitioner_id", practitionerID)
}

func (h *Hub) add(practitionerID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[practitionerID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[practitionerID] = set
	}
	set[sub] = struct{}{}
}

// remove unregisters sub and closes its send channel. Publish holds the read
// lock while sending, so no send can race the close.
func (h *Hub) remove(practitionerID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[practitionerID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, practitionerID)
	}
	close(sub.send)
}

// Publish sends msg to every subscriber of its practitioner. Slow subscribers
// miss messages rather than block the publisher.
func (h *Hub) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[msg.PractitionerID] {
		h.offer(sub, msg)
	}
}

func (h *Hub) offer(sub *subscriber, msg Message) {
	select {
	case sub.send <- msg:
	default:
		h.logger.Debug("realtime: dropping message for slow subscriber", "practitioner_id", msg.PractitionerID, "type", msg.Type)
	}
}

// Subscribers reports the number of open connections.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.subs {
		for sub := range set {
			_ = sub.conn.Close()
		}
	}
}

// ReservationListener publishes slot availability for every reservation change.
func (h *Hub) ReservationListener() reservations.Listener {
	return func(_ context.Context, r reservations.Reservation) {
		available := !r.State.OccupiesSlot()
		h.Publish(Message{
			Type:           TypeSlotChanged,
			PractitionerID: r.Slot.PractitionerID,
			Date:           r.Slot.Date.String(),
			Start:          availability.FormatClock(r.Slot.Start),
			End:            availability.FormatClock(r.End),
			Available:      &available,
		})
	}
}

// ScheduleListener tells subscribers to refetch after a schedule edit.
func (h *Hub) ScheduleListener() availability.ChangeListener {
	return func(_ context.Context, s *availability.Schedule) {
		h.Publish(Message{Type: TypeScheduleChanged, PractitionerID: s.PractitionerID, Revision: s.Revision})
	}
}
