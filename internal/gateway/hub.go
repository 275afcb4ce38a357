package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"caseflow/internal/fanout"
	"caseflow/internal/models"

	"github.com/rs/zerolog"
)

// session is one connected client. Writes go through the send channel;
// a single writer goroutine owns the socket.
type session struct {
	principal *Principal
	send      chan []byte
	rooms     map[string]struct{}
}

// Hub tracks room membership for the connections this process holds and
// relays fan-out envelopes into them. Membership is process-local: other
// gateway instances hold their own hubs, all fed by the same bus.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*session]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*session]struct{}),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) join(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leave(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) leaveLocked(s *session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// drop releases every membership of a disconnecting session.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
}

// deliver pushes an event to every local member of a room. Sessions too
// slow to drain their buffer miss the event; the durable notification
// record remains authoritative.
func (h *Hub) deliver(room string, event models.NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[room] {
		select {
		case s.send <- data:
		default:
			h.logger.Warn().Str("room", room).Msg("slow client, event dropped")
		}
	}
}

// Relay consumes bus envelopes until ctx is done.
func (h *Hub) Relay(ctx context.Context, bus *fanout.Bus) error {
	envelopes, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for env := range envelopes {
		h.deliver(env.Room, env.Event)
	}
	return nil
}
