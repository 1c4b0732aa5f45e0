// Package chat stores assistant conversation history. Sessions live in one
// normalized record keyed by session id; the per-project, per-identity, and
// per-type views are computed on read, so deleting a session touches exactly
// one record.
package chat

import (
	"strings"
	"time"
)

type ChatType string

const (
	TypeProject       ChatType = "project"
	TypeDeveloper     ChatType = "developer"
	TypeCommunication ChatType = "communication"
	TypeDual          ChatType = "dual"
)

func ValidType(t ChatType) bool {
	switch t {
	case TypeProject, TypeDeveloper, TypeCommunication, TypeDual:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is one stored conversation. Message count is derived with Len, not
// stored.
type Session struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	ChatType    ChatType  `json:"chatType"`
	ProjectID   string    `json:"projectId,omitempty"`
	ProjectName string    `json:"projectName,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	FullChat    []Message `json:"fullChat"`
	Timestamp   time.Time `json:"timestamp"`
	SessionName string    `json:"sessionName,omitempty"`
	// ChatID is the remote backend's correlation token; SessionID is local.
	ChatID string `json:"chatId,omitempty"`
}

func (s Session) Len() int {
	return len(s.FullChat)
}

// GuestNamespace owns history written before sign-in.
const GuestNamespace = "guest"

// Namespace maps an identity email to its history namespace.
func Namespace(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return GuestNamespace
	}
	return email
}
