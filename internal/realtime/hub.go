package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/auth"
)

type hubClient struct {
	session *Session
	close   func()
}

// Hub tracks open connections by caller so events that originate outside a
// connection, such as generated titles, reach every tab of the same user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]hubClient // identity key -> session id
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]map[string]hubClient), logger: logger}
}

// Register adds a session. closeFn is called by CloseAll.
func (h *Hub) Register(s *Session, closeFn func()) {
	key := s.Identity.Key()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[string]hubClient)
	}
	h.clients[key][s.ID] = hubClient{session: s, close: closeFn}
}

// Unregister removes a session.
func (h *Hub) Unregister(s *Session) {
	key := s.Identity.Key()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[key], s.ID)
	if len(h.clients[key]) == 0 {
		delete(h.clients, key)
	}
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byID := range h.clients {
		n += len(byID)
	}
	return n
}

// TitleUpdated pushes a new title to the owner's open connections.
func (h *Hub) TitleUpdated(owner auth.Identity, conversationID int64, title string) {
	key := owner.Key()
	if key == "" {
		return
	}
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.clients[key]))
	for _, c := range h.clients[key] {
		targets = append(targets, c.session)
	}
	h.mu.RUnlock()

	ev := Event{Type: TypeTitleUpdated, ConversationID: conversationID, Title: title}
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			h.logger.Debug("Failed to push title update",
				zap.String("session_id", s.ID),
				zap.Int64("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var closers []func()
	for _, byID := range h.clients {
		for _, c := range byID {
			if c.close != nil {
				closers = append(closers, c.close)
			}
		}
	}
	h.mu.RUnlock()

	for _, fn := range closers {
		fn()
	}
}
