package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"crewdeck/api/internal/accounts"
	"crewdeck/api/internal/assist"
	"crewdeck/api/internal/auth"
	"crewdeck/api/internal/chat"
	"crewdeck/api/internal/config"
	"crewdeck/api/internal/conversation"
	"crewdeck/api/internal/permission"
	"crewdeck/api/internal/session"
	"crewdeck/api/internal/store"
	"crewdeck/api/internal/util"
)

// Session is the parsed caller for one request: identity plus the hydrated
// permission matrix its role resolves to.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	PhotoURL  string
	Role      permission.Role
	Matrix    permission.Matrix
	JTI       string
	ExpiresAt time.Time
}

func (s Session) SignedIn() bool {
	return s.Email != ""
}

type dataStore interface {
	accounts.UserStore
	ListUsers(ctx context.Context) ([]store.User, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	CreateProject(ctx context.Context, project store.Project) error
	Ping(ctx context.Context) error
}

type assistClient interface {
	assist.Completer
	SendFeedback(ctx context.Context, email, messageID string, helpful *bool) error
	EstablishSession(ctx context.Context, email, name string) error
	NotifyLogout(ctx context.Context, email string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	accounts *accounts.Service
	sessions *session.Store
	chats    *chat.Store
	assist   assistClient

	managerMu sync.Mutex
	managers  map[string]*conversation.Manager
}

func New(cfg config.Config, dataStore dataStore, sessions *session.Store, chats *chat.Store, assistClient assistClient) *Service {
	sessions.WithGuestMigrator(chats)
	sessions.WithLogoutNotifier(assistClient.NotifyLogout)

	return &Service{
		cfg:      cfg,
		store:    dataStore,
		accounts: accounts.NewService(dataStore),
		sessions: sessions,
		chats:    chats,
		assist:   assistClient,
		managers: make(map[string]*conversation.Manager),
	}
}

// manager returns the per-identity conversation manager for one surface,
// creating it on first use.
func (s *Service) manager(email string, surface chat.ChatType) *conversation.Manager {
	key := chat.Namespace(email) + "|" + string(surface)

	s.managerMu.Lock()
	defer s.managerMu.Unlock()
	if m, ok := s.managers[key]; ok {
		return m
	}
	m := conversation.NewManager(s.chats, s.assist, surface, email)
	s.managers[key] = m
	return m
}

// dropManagers flushes and forgets every surface for an identity, used on
// sign-out so the next login starts clean.
func (s *Service) dropManagers(ctx context.Context, email string) {
	prefix := chat.Namespace(email) + "|"

	s.managerMu.Lock()
	defer s.managerMu.Unlock()
	for key, m := range s.managers {
		if strings.HasPrefix(key, prefix) {
			if err := m.Flush(ctx); err != nil {
				log.Printf("flush conversation %s: %v", key, err)
			}
			delete(s.managers, key)
		}
	}
}

func (s *Service) SignIn(ctx context.Context, clientID, tabID, email, password string) (Session, error) {
	user, matrix, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, err
	}

	identity := session.Identity{
		ID:          user.ID,
		Name:        user.DisplayName,
		Email:       user.Email,
		PhotoURL:    user.PhotoURL,
		Role:        permission.Normalize(user.Role),
		Permissions: matrix,
	}
	if err := s.sessions.SignIn(ctx, clientID, tabID, identity); err != nil {
		return Session{}, err
	}

	// A failed announcement never blocks login.
	if err := s.assist.EstablishSession(ctx, user.Email, user.DisplayName); err != nil {
		log.Printf("assist session establishment failed for %s: %v", user.Email, err)
	}

	return s.issueSession(identity)
}

func (s *Service) SignUp(ctx context.Context, clientID, tabID string, req accounts.SignUpRequest) (Session, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		if errors.Is(err, accounts.ErrEmailExists) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
	}
	return s.SignIn(ctx, clientID, tabID, user.Email, req.Password)
}

func (s *Service) SignOut(ctx context.Context, clientID, tabID string, sess Session) error {
	if sess.SignedIn() {
		s.dropManagers(ctx, sess.Email)
	}
	return s.sessions.SignOut(ctx, clientID, tabID)
}

// Restore rebuilds a session from the persisted scopes, the reload path.
func (s *Service) Restore(ctx context.Context, clientID, tabID string) (Session, error) {
	identity, err := s.sessions.Restore(ctx, clientID, tabID)
	if err != nil {
		return Session{}, err
	}
	if !identity.SignedIn() {
		return Session{}, nil
	}
	return s.issueSession(identity)
}

func (s *Service) issueSession(identity session.Identity) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   identity.ID,
		Email: identity.Email,
		Name:  identity.Name,
		Role:  string(identity.Role),
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    identity.ID,
		UserName:  identity.Name,
		Email:     identity.Email,
		PhotoURL:  identity.PhotoURL,
		Role:      identity.Role,
		Matrix:    identity.Permissions,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken parses a bearer token and hydrates the caller's matrix
// from the current role assignment, so a permission edit takes effect on the
// next request rather than the next login.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	matrix, err := s.store.GetRolePermissions(ctx, user.Role)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		PhotoURL:  user.PhotoURL,
		Role:      permission.Normalize(user.Role),
		Matrix:    matrix,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Allowed is the per-request permission check behind every protected route.
func (s *Service) Allowed(sess Session, page string, action permission.Action) bool {
	return permission.Has(sess.Role, sess.Matrix, page, action)
}

// Guard evaluates the navigation guard for the caller.
func (s *Service) Guard(sess Session, page string, action permission.Action) permission.GuardState {
	return permission.Resolve(permission.GuardInput{
		SignedIn: sess.SignedIn(),
		Hydrated: true,
		Role:     sess.Role,
		Matrix:   sess.Matrix,
	}, page, action)
}

func (s *Service) RolePermissions(ctx context.Context, role string) (permission.Matrix, error) {
	return s.accounts.RolePermissions(ctx, role)
}

func (s *Service) SaveRolePermissions(ctx context.Context, role string, matrix permission.Matrix) (permission.Matrix, error) {
	saved, err := s.accounts.SaveRolePermissions(ctx, role, matrix)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return saved, nil
}

func (s *Service) ListRoles(ctx context.Context) ([]string, error) {
	return s.accounts.ListRoles(ctx)
}

func (s *Service) AssignRole(ctx context.Context, userID, role string) error {
	if err := s.accounts.AssignRole(ctx, userID, role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		return err
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) CreateProject(ctx context.Context, name, description, createdBy string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	project := store.Project{
		ID:          util.NewID("proj"),
		Name:        name,
		Description: description,
		Status:      "Active",
		CreatedBy:   createdBy,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

// SendMessage runs one exchange on a chat surface.
func (s *Service) SendMessage(ctx context.Context, sess Session, surface chat.ChatType, text string, suggestionIndex *int) (conversation.Turn, error) {
	if !chat.ValidType(surface) {
		return conversation.Turn{}, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown chat surface", nil)
	}
	m := s.manager(sess.Email, surface)

	var turn conversation.Turn
	var err error
	if suggestionIndex != nil {
		turn, err = m.SendSuggestion(ctx, text, *suggestionIndex)
	} else {
		turn, err = m.Send(ctx, text)
	}
	if errors.Is(err, conversation.ErrEmptyMessage) {
		return conversation.Turn{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is required", nil)
	}
	if errors.Is(err, conversation.ErrBusy) {
		return conversation.Turn{}, domainError(http.StatusConflict, "BUSY", "A message is already being processed", nil)
	}
	if errors.Is(err, conversation.ErrSuperseded) {
		return conversation.Turn{}, domainError(http.StatusGone, "SUPERSEDED", "The conversation changed before the reply arrived", nil)
	}
	return turn, err
}

// SwitchProject moves the project surface to a new project, persisting the
// previous conversation first.
func (s *Service) SwitchProject(ctx context.Context, sess Session, projectID string) ([]chat.Session, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
		return nil, err
	}
	return s.manager(sess.Email, chat.TypeProject).SwitchProject(ctx, project.ID, project.Name)
}

// ChatHistory serves the history panel: project view, type view, or the
// unified view when neither filter is given.
func (s *Service) ChatHistory(ctx context.Context, sess Session, projectID string, chatType chat.ChatType) ([]chat.Session, error) {
	owner := chat.Namespace(sess.Email)
	switch {
	case projectID != "":
		return s.chats.ByProject(ctx, owner, projectID)
	case chatType != "":
		if !chat.ValidType(chatType) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown chat type", nil)
		}
		return s.chats.ByType(ctx, owner, chatType)
	default:
		return s.chats.ByIdentity(ctx, owner)
	}
}

// ResumeChatSession reloads a stored conversation onto a surface and returns
// its messages. An empty session id picks the most recent session the surface
// can see, matching what a reopened panel shows by default.
func (s *Service) ResumeChatSession(ctx context.Context, sess Session, surface chat.ChatType, sessionID string) ([]chat.Message, error) {
	if !chat.ValidType(surface) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown chat surface", nil)
	}
	m := s.manager(sess.Email, surface)

	if strings.TrimSpace(sessionID) == "" {
		history, err := m.History(ctx)
		if err != nil {
			return nil, err
		}
		recent := conversation.MostRecent(history)
		if recent == nil {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No chat session to resume", nil)
		}
		sessionID = recent.SessionID
	}

	if err := m.Resume(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.Messages(), nil
}

func (s *Service) DeleteChatSession(ctx context.Context, sess Session, sessionID string) error {
	return s.chats.Delete(ctx, chat.Namespace(sess.Email), sessionID)
}

func (s *Service) SendFeedback(ctx context.Context, sess Session, messageID string, helpful *bool) error {
	if strings.TrimSpace(messageID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message_id is required", nil)
	}
	return s.assist.SendFeedback(ctx, sess.Email, messageID, helpful)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingChatStore(ctx context.Context) error {
	return s.chats.Ping(ctx)
}
