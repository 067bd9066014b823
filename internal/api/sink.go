package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/store"
)

// SinkRegistry tracks at most one live websocket per principal. Registering a
// new connection displaces the previous one; pushes to a principal with no
// connection are dropped, the chat log remains the source of truth.
type SinkRegistry struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{conns: make(map[string]*websocket.Conn)}
}

// Register installs conn as the principal's live connection, closing any
// previous one. Last registration wins.
func (s *SinkRegistry) Register(userID string, conn *websocket.Conn) {
	s.mu.Lock()
	prev := s.conns[userID]
	s.conns[userID] = conn
	s.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.StatusNormalClosure, "replaced by a newer connection")
	}

	log.Debug().Str("user_id", userID).Msg("Registered chat sink")
}

// Unregister removes conn if it is still the principal's current connection.
// A connection that was already displaced leaves the newer one in place.
func (s *SinkRegistry) Unregister(userID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[userID] == conn {
		delete(s.conns, userID)
	}
}

// Emit pushes a chat entry to the principal's live connection. Failures only
// drop the push: the entry is already persisted and will be replayed from the
// chat log on the next fetch.
func (s *SinkRegistry) Emit(ctx context.Context, chat store.Chat) {
	s.mu.Lock()
	conn := s.conns[chat.UserID]
	s.mu.Unlock()

	if conn == nil {
		return
	}

	data, err := json.Marshal(chat)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chat.ID).Msg("Failed to encode chat entry")
		return
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Debug().Err(err).Str("user_id", chat.UserID).Msg("Dropped chat push")
	}
}

// Len reports the number of live connections.
func (s *SinkRegistry) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
