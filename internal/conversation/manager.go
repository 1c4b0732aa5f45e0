// Package conversation drives one chat surface: the visible message list,
// the active session, and the exchange with the assist backend.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"crewdeck/api/internal/assist"
	"crewdeck/api/internal/chat"
	"crewdeck/api/internal/util"
)

var (
	ErrEmptyMessage = errors.New("conversation: empty message")
	ErrBusy         = errors.New("conversation: a request is already outstanding")
	// ErrSuperseded reports that the surface switched context while the
	// completion was in flight; the late response was discarded.
	ErrSuperseded = errors.New("conversation: context changed before the reply arrived")
)

// ErrorReply is the synthetic assistant message substituted on a network
// failure.
const ErrorReply = "Error connecting to chatbot"

// generalProject labels turns sent outside any project context.
const generalProject = "general"

// HistoryStore is what the manager needs from the chat store.
type HistoryStore interface {
	Upsert(ctx context.Context, owner string, session chat.Session) error
	Get(ctx context.Context, owner, sessionID string) (chat.Session, error)
	Delete(ctx context.Context, owner, sessionID string) error
	ByProject(ctx context.Context, owner, projectID string) ([]chat.Session, error)
	ByIdentity(ctx context.Context, owner string) ([]chat.Session, error)
	ByType(ctx context.Context, owner string, chatType chat.ChatType) ([]chat.Session, error)
	LookupChatID(ctx context.Context, owner, projectID string) (string, error)
	SaveChatID(ctx context.Context, owner, projectID, chatID string) error
}

// Turn is the outcome of one send.
type Turn struct {
	UserMessage chat.Message
	Reply       chat.Message
	Suggestions []string
	Failed      bool
}

type Manager struct {
	store     HistoryStore
	completer assist.Completer
	chatType  chat.ChatType
	email     string
	owner     string

	mu          sync.Mutex
	projectID   string
	projectName string
	sessionID   string
	chatID      string
	messages    []chat.Message
	suggestions []string
	busy        bool
	// gen increments on every context change (project switch, resume). A
	// completion that resolves under a different generation is discarded
	// instead of being applied to the new context.
	gen uint64
}

func NewManager(store HistoryStore, completer assist.Completer, chatType chat.ChatType, email string) *Manager {
	return &Manager{
		store:     store,
		completer: completer,
		chatType:  chatType,
		email:     email,
		owner:     chat.Namespace(email),
	}
}

// Busy reports whether a completion request is outstanding.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// Messages returns a copy of the visible conversation.
func (m *Manager) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages...)
}

// Suggestions returns the current quick replies.
func (m *Manager) Suggestions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.suggestions...)
}

func (m *Manager) projectKey() string {
	if m.projectID != "" {
		return m.projectID
	}
	return generalProject
}

// Send runs one exchange. The user message is appended optimistically; a
// network failure substitutes a visible error reply and persists nothing for
// that turn. The busy flag is cleared in both outcomes.
func (m *Manager) Send(ctx context.Context, text string) (Turn, error) {
	return m.send(ctx, text, 0)
}

// SendSuggestion re-invokes the pipeline with a clicked quick reply.
func (m *Manager) SendSuggestion(ctx context.Context, text string, index int) (Turn, error) {
	return m.send(ctx, text, index+1)
}

func (m *Manager) send(ctx context.Context, text string, questionIndex int) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return Turn{}, ErrBusy
	}
	m.busy = true

	userMessage := chat.Message{ID: util.NewMessageID(), Role: chat.RoleUser, Content: text}
	m.messages = append(m.messages, userMessage)
	if m.sessionID == "" {
		m.sessionID = util.NewID("sess")
	}
	req := assist.Request{
		Message:       text,
		ChatType:      string(m.chatType),
		ProjectID:     m.projectKey(),
		ChatID:        m.chatID,
		QuestionIndex: questionIndex,
	}
	gen := m.gen
	m.mu.Unlock()

	resp, err := m.completer.Complete(ctx, m.email, req)

	m.mu.Lock()
	defer func() {
		m.busy = false
		m.mu.Unlock()
	}()

	if m.gen != gen {
		return Turn{}, ErrSuperseded
	}

	if err != nil {
		reply := chat.Message{ID: util.NewMessageID(), Role: chat.RoleAssistant, Content: ErrorReply}
		m.messages = append(m.messages, reply)
		m.suggestions = nil
		return Turn{UserMessage: userMessage, Reply: reply, Failed: true}, nil
	}

	reply := chat.Message{ID: resp.MessageID, Role: chat.RoleAssistant, Content: resp.Reply}
	if reply.ID == "" {
		reply.ID = util.NewMessageID()
	}
	m.messages = append(m.messages, reply)
	m.suggestions = append(resp.Suggestions, resp.Clarifications...)

	if resp.ChatID != "" && resp.ChatID != m.chatID {
		m.chatID = resp.ChatID
		if err := m.store.SaveChatID(ctx, m.owner, m.projectKey(), resp.ChatID); err != nil {
			return Turn{}, err
		}
	}

	if err := m.store.Upsert(ctx, m.owner, m.snapshotLocked()); err != nil {
		return Turn{}, err
	}

	return Turn{UserMessage: userMessage, Reply: reply, Suggestions: append([]string(nil), m.suggestions...)}, nil
}

// snapshotLocked builds the session record from the visible conversation.
// Callers hold m.mu.
func (m *Manager) snapshotLocked() chat.Session {
	summary := ""
	for _, msg := range m.messages {
		if msg.Role == chat.RoleUser {
			summary = msg.Content
			break
		}
	}
	if len(summary) > 80 {
		summary = summary[:77] + "..."
	}

	return chat.Session{
		ID:          m.sessionID,
		SessionID:   m.sessionID,
		ChatType:    m.chatType,
		ProjectID:   m.projectID,
		ProjectName: m.projectName,
		Summary:     summary,
		SessionName: summary,
		FullChat:    append([]chat.Message(nil), m.messages...),
		Timestamp:   time.Now().UTC(),
		ChatID:      m.chatID,
	}
}

// SwitchProject records the active conversation under the previous project,
// then starts a clean slate against the new one: fresh visible conversation,
// new session id, and the new project's cached remote chat id. Returns the
// new project's history for the panel; empty when it has none.
func (m *Manager) SwitchProject(ctx context.Context, projectID, projectName string) ([]chat.Session, error) {
	m.mu.Lock()
	if m.sessionID != "" && len(m.messages) > 0 {
		snapshot := m.snapshotLocked()
		if err := m.store.Upsert(ctx, m.owner, snapshot); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	m.projectID = projectID
	m.projectName = projectName
	m.sessionID = ""
	m.messages = nil
	m.suggestions = nil
	m.chatID = ""
	m.gen++
	owner := m.owner
	m.mu.Unlock()

	history, err := m.store.ByProject(ctx, owner, projectID)
	if err != nil {
		return nil, err
	}

	chatID, err := m.store.LookupChatID(ctx, owner, projectID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.chatID = chatID
	m.mu.Unlock()

	return history, nil
}

// Flush persists the active conversation without resetting it. Used when the
// surface goes away mid-conversation.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" || len(m.messages) == 0 {
		return nil
	}
	return m.store.Upsert(ctx, m.owner, m.snapshotLocked())
}

// History returns the sessions relevant to this surface: the active project's
// sessions for the project surface, everything for dual mode, and the
// type-scoped sessions otherwise.
func (m *Manager) History(ctx context.Context) ([]chat.Session, error) {
	m.mu.Lock()
	owner, projectID := m.owner, m.projectID
	m.mu.Unlock()

	switch m.chatType {
	case chat.TypeProject:
		return m.store.ByProject(ctx, owner, projectID)
	case chat.TypeDual:
		return m.store.ByIdentity(ctx, owner)
	default:
		return m.store.ByType(ctx, owner, m.chatType)
	}
}

// MostRecent picks the session a merged view auto-selects, or nil when the
// history is empty.
func MostRecent(sessions []chat.Session) *chat.Session {
	if len(sessions) == 0 {
		return nil
	}
	best := sessions[0]
	for _, session := range sessions[1:] {
		if session.Timestamp.After(best.Timestamp) {
			best = session
		}
	}
	return &best
}

// Resume loads a stored session back into the visible conversation.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	session, err := m.store.Get(ctx, m.owner, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = session.ID
	m.messages = append([]chat.Message(nil), session.FullChat...)
	m.chatID = session.ChatID
	m.projectID = session.ProjectID
	m.projectName = session.ProjectName
	m.suggestions = nil
	m.gen++
	return nil
}
