package telegram

import (
	"sync"

	"github.com/digkill/AIImageBot/internal/genai"
)

// defaultHistoryLimit bounds the chat turns replayed to the model.
const defaultHistoryLimit = 20

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingPrompt
)

type Session struct {
	State   SessionState
	History []genai.Message
}

type StateManager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	limit    int
}

func NewStateManager(limit int) *StateManager {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &StateManager{
		sessions: make(map[int64]*Session),
		limit:    limit,
	}
}

func (m *StateManager) State(chatID int64) SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[chatID]; ok {
		return s.State
	}
	return StateIdle
}

func (m *StateManager) SetState(chatID int64, state SessionState) {
	m.mu.Lock()
	m.session(chatID).State = state
	m.mu.Unlock()
}

// History returns a copy that the caller may extend freely.
func (m *StateManager) History(chatID int64) []genai.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return nil
	}
	return append([]genai.Message(nil), s.History...)
}

// Append adds one exchange and drops the oldest turns past the limit.
func (m *StateManager) Append(chatID int64, msgs ...genai.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(chatID)
	s.History = append(s.History, msgs...)
	if len(s.History) > m.limit {
		s.History = append([]genai.Message(nil), s.History[len(s.History)-m.limit:]...)
	}
}

// Reset clears the history and any pending prompt.
func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}

func (m *StateManager) session(chatID int64) *Session {
	s, ok := m.sessions[chatID]
	if !ok {
		s = &Session{State: StateIdle}
		m.sessions[chatID] = s
	}
	return s
}
