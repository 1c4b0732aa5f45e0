package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("chat: session not found")

// Store keeps one record per session id plus an id index per namespace owner
// (identity email or guest). Views are assembled on read.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func recordKey(owner, sessionID string) string {
	return "chat:session:" + owner + ":" + sessionID
}

func indexKey(owner string) string {
	return "chat:owner:" + owner
}

func chatIDKey(owner string) string {
	return "chat:chatid:" + owner
}

// Upsert writes the session record and registers it in the owner's index.
func (s *Store) Upsert(ctx context.Context, owner string, session Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	blob, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal chat session: %w", err)
	}

	if err := s.client.Set(ctx, recordKey(owner, session.ID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("save chat session: %w", err)
	}
	if err := s.client.SAdd(ctx, indexKey(owner), session.ID).Err(); err != nil {
		return fmt.Errorf("index chat session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, owner, sessionID string) (Session, error) {
	blob, err := s.client.Get(ctx, recordKey(owner, sessionID)).Bytes()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("read chat session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(blob, &session); err != nil {
		return Session{}, fmt.Errorf("decode chat session: %w", err)
	}
	return session, nil
}

// Delete removes the one normalized record; every derived view loses the
// session at once. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, owner, sessionID string) error {
	if err := s.client.Del(ctx, recordKey(owner, sessionID)).Err(); err != nil {
		return fmt.Errorf("delete chat session: %w", err)
	}
	if err := s.client.SRem(ctx, indexKey(owner), sessionID).Err(); err != nil {
		return fmt.Errorf("unindex chat session: %w", err)
	}
	return nil
}

// all loads every session in the owner's namespace, newest first.
func (s *Store) all(ctx context.Context, owner string) ([]Session, error) {
	ids, err := s.client.SMembers(ctx, indexKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, owner, id)
		if errors.Is(err, ErrNotFound) {
			// Expired record with a live index entry; drop the stale id.
			_ = s.client.SRem(ctx, indexKey(owner), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.After(sessions[j].Timestamp)
	})
	return sessions, nil
}

// ByIdentity is the unified view: every chat type for one identity.
func (s *Store) ByIdentity(ctx context.Context, owner string) ([]Session, error) {
	return s.all(ctx, owner)
}

// ByProject is the project view. Presents empty history when the project has
// none; it never fabricates sessions from other projects.
func (s *Store) ByProject(ctx context.Context, owner, projectID string) ([]Session, error) {
	sessions, err := s.all(ctx, owner)
	if err != nil {
		return nil, err
	}
	filtered := sessions[:0]
	for _, session := range sessions {
		if session.ProjectID == projectID {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

// ByType is the chat-type view (e.g. dual-mode sessions only).
func (s *Store) ByType(ctx context.Context, owner string, chatType ChatType) ([]Session, error) {
	sessions, err := s.all(ctx, owner)
	if err != nil {
		return nil, err
	}
	filtered := sessions[:0]
	for _, session := range sessions {
		if session.ChatType == chatType {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

// ImportBuckets adopts legacy bucket blobs: buckets are scanned in the given
// fixed order, duplicates by session id keep the first occurrence, and
// sessions already stored for the owner are left untouched.
func (s *Store) ImportBuckets(ctx context.Context, owner string, buckets ...[]Session) (int, error) {
	seen := make(map[string]struct{})
	imported := 0

	for _, bucket := range buckets {
		for _, session := range bucket {
			if session.ID == "" {
				continue
			}
			if _, dup := seen[session.ID]; dup {
				continue
			}
			seen[session.ID] = struct{}{}

			exists, err := s.client.Exists(ctx, recordKey(owner, session.ID)).Result()
			if err != nil {
				return imported, fmt.Errorf("check chat session: %w", err)
			}
			if exists > 0 {
				continue
			}
			if err := s.Upsert(ctx, owner, session); err != nil {
				return imported, err
			}
			imported++
		}
	}
	return imported, nil
}

// MigrateGuest appends the guest namespace's history into the identity's
// namespace, then deletes the guest namespace. Satisfies
// session.GuestMigrator.
func (s *Store) MigrateGuest(ctx context.Context, identity string) error {
	owner := Namespace(identity)
	if owner == GuestNamespace {
		return nil
	}

	guestSessions, err := s.all(ctx, GuestNamespace)
	if err != nil {
		return err
	}
	if len(guestSessions) == 0 {
		return s.clearNamespace(ctx, GuestNamespace)
	}

	moved, err := s.ImportBuckets(ctx, owner, guestSessions)
	if err != nil {
		return err
	}
	log.Printf("migrated %d guest chat sessions to %s", moved, owner)

	return s.clearNamespace(ctx, GuestNamespace)
}

func (s *Store) clearNamespace(ctx context.Context, owner string) error {
	ids, err := s.client.SMembers(ctx, indexKey(owner)).Result()
	if err != nil {
		return fmt.Errorf("list chat sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, recordKey(owner, id))
	}
	keys = append(keys, indexKey(owner), chatIDKey(owner))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear chat namespace: %w", err)
	}
	return nil
}

// SaveChatID caches the remote correlation token for a project so a later
// reload resumes the same remote thread.
func (s *Store) SaveChatID(ctx context.Context, owner, projectID, chatID string) error {
	if err := s.client.HSet(ctx, chatIDKey(owner), projectID, chatID).Err(); err != nil {
		return fmt.Errorf("save chat id: %w", err)
	}
	return nil
}

// LookupChatID returns the cached token for a project, or "" when none.
func (s *Store) LookupChatID(ctx context.Context, owner, projectID string) (string, error) {
	chatID, err := s.client.HGet(ctx, chatIDKey(owner), projectID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup chat id: %w", err)
	}
	return chatID, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
