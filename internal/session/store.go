package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"crewdeck/api/internal/permission"
)

// Identity is the signed-in principal with its permission matrix.
type Identity struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Email       string            `json:"email"`
	PhotoURL    string            `json:"photoURL"`
	Role        permission.Role   `json:"role"`
	Permissions permission.Matrix `json:"permissions"`
}

func (i Identity) SignedIn() bool {
	return i.Email != ""
}

// GuestMigrator moves anonymous chat history into the signed-in identity's
// namespace. Runs to completion during SignIn so the caller never races it.
type GuestMigrator interface {
	MigrateGuest(ctx context.Context, identity string) error
}

// LogoutNotifier tells the remote backend about a sign-out. Failures are
// swallowed: logout always succeeds locally.
type LogoutNotifier func(ctx context.Context, email string) error

// Listener observes identity changes for one client.
type Listener func(clientID string, identity Identity)

// Store keeps the current identity per client in memory and mirrors it into
// the tab and shared scopes.
type Store struct {
	tab    Scope
	shared Scope

	mu        sync.Mutex
	current   map[string]Identity
	listeners []Listener

	migrator GuestMigrator
	notify   LogoutNotifier
}

func NewStore(tab, shared Scope) *Store {
	return &Store{
		tab:     tab,
		shared:  shared,
		current: make(map[string]Identity),
	}
}

// WithGuestMigrator wires the chat-history migration run on sign-in.
func (s *Store) WithGuestMigrator(m GuestMigrator) *Store {
	s.migrator = m
	return s
}

// WithLogoutNotifier wires the best-effort remote logout notification.
func (s *Store) WithLogoutNotifier(n LogoutNotifier) *Store {
	s.notify = n
	return s
}

func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Current returns the in-memory identity for a client; zero when signed out.
func (s *Store) Current(clientID string) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[clientID]
}

func tabKey(clientID, tabID string) string {
	return clientID + ":" + tabID
}

// Restore loads the persisted identity: tab scope first, else the shared
// scope, reseeding the tab scope so a fresh tab inherits an existing login.
// A corrupt entry is discarded and treated as signed out.
func (s *Store) Restore(ctx context.Context, clientID, tabID string) (Identity, error) {
	identity, ok, err := s.read(ctx, s.tab, tabKey(clientID, tabID))
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		identity, ok, err = s.read(ctx, s.shared, clientID)
		if err != nil {
			return Identity{}, err
		}
		if ok {
			blob, marshalErr := json.Marshal(identity)
			if marshalErr != nil {
				return Identity{}, fmt.Errorf("marshal identity: %w", marshalErr)
			}
			if err := s.tab.Set(ctx, tabKey(clientID, tabID), blob); err != nil {
				return Identity{}, err
			}
		}
	}
	if !ok {
		return Identity{}, nil
	}

	s.setCurrent(clientID, identity)
	return identity, nil
}

// read returns (identity, found, err). Unparseable blobs are deleted and
// reported as absent.
func (s *Store) read(ctx context.Context, scope Scope, key string) (Identity, bool, error) {
	blob, err := scope.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}

	var identity Identity
	if err := json.Unmarshal(blob, &identity); err != nil || !identity.SignedIn() {
		_ = scope.Delete(ctx, key)
		return Identity{}, false, nil
	}
	return identity, true, nil
}

// SignIn records the identity in memory and both persisted scopes, then runs
// the guest chat-history migration to completion before returning.
func (s *Store) SignIn(ctx context.Context, clientID, tabID string, identity Identity) error {
	if !identity.SignedIn() {
		return errors.New("identity email is required")
	}

	blob, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.tab.Set(ctx, tabKey(clientID, tabID), blob); err != nil {
		return err
	}
	if err := s.shared.Set(ctx, clientID, blob); err != nil {
		return err
	}

	s.setCurrent(clientID, identity)

	if s.migrator != nil {
		if err := s.migrator.MigrateGuest(ctx, identity.Email); err != nil {
			log.Printf("guest history migration failed for %s: %v", identity.Email, err)
		}
	}
	return nil
}

// SignOut clears memory and both persisted scopes. Idempotent; the remote
// logout notification is best-effort.
func (s *Store) SignOut(ctx context.Context, clientID, tabID string) error {
	s.mu.Lock()
	identity := s.current[clientID]
	delete(s.current, clientID)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if err := s.tab.Delete(ctx, tabKey(clientID, tabID)); err != nil {
		return err
	}
	if err := s.shared.Delete(ctx, clientID); err != nil {
		return err
	}

	if s.notify != nil && identity.SignedIn() {
		if err := s.notify(ctx, identity.Email); err != nil {
			log.Printf("logout notification failed for %s: %v", identity.Email, err)
		}
	}

	for _, fn := range listeners {
		fn(clientID, Identity{})
	}
	return nil
}

func (s *Store) setCurrent(clientID string, identity Identity) {
	s.mu.Lock()
	s.current[clientID] = identity
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(clientID, identity)
	}
}
