package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// WSSession is one connected driver device.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(offer models.RideOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(offer)
}

// WSRegistry tracks live driver websocket sessions and pushes ride offers to
// them. A driver without a session simply misses the push and discovers the
// ride on their next pending-list poll.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = s
	r.mu.Unlock()
	go r.readPump(driverID, s)
}

// readPump drains inbound frames so close and ping control messages are
// processed, then drops the session once the peer goes away. Only removes
// the session it was started for: a reconnect replaces the map entry first.
func (r *WSRegistry) readPump(driverID string, s *WSSession) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}
	r.mu.Lock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// Offer pushes an offer to one driver. Best-effort: a missing or broken
// session is not an error the caller can act on.
func (r *WSRegistry) Offer(driverID string, offer models.RideOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(offer); err != nil {
		r.logger.Warn("ws offer send failed", "driver_id", driverID, "error", err)
		r.Remove(driverID)
		return err
	}
	return nil
}
