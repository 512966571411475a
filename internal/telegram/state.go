package telegram

import (
	"sync"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateWaitingPhotos
	StateWaitingPrompt
	StateWaitingQuantity
)

func (s SessionState) String() string {
	switch s {
	case StateWaitingPhotos:
		return "waiting_photos"
	case StateWaitingPrompt:
		return "waiting_prompt"
	case StateWaitingQuantity:
		return "waiting_quantity"
	default:
		return "idle"
	}
}

// maxPhotos is how many source photos one generation accepts.
const maxPhotos = 2

type Session struct {
	State SessionState
	// Photos holds Telegram file ids in arrival order.
	Photos []string
}

// StateManager keeps one conversation session per chat. Get returns a copy,
// so callers mutate it and Set it back.
type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]Session),
	}
}

func (m *StateManager) Get(chatID int64) Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if !ok {
		return Session{State: StateIdle}
	}
	session.Photos = append([]string(nil), session.Photos...)
	return session
}

func (m *StateManager) Set(chatID int64, session Session) {
	m.mu.Lock()
	m.sessions[chatID] = session
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}

// AddPhoto appends a file id while the session collects photos. It reports
// the new photo count and whether the limit was exceeded, in which case the
// session is cleared.
func (m *StateManager) AddPhoto(chatID int64, fileID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.sessions[chatID]
	session.Photos = append(session.Photos, fileID)
	if len(session.Photos) > maxPhotos {
		delete(m.sessions, chatID)
		return len(session.Photos), true
	}
	m.sessions[chatID] = session
	return len(session.Photos), false
}
