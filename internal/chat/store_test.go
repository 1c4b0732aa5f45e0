package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	opts, err := redis.ParseURL("redis://" + mr.Addr())
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, time.Hour)
}

func session(id string, chatType ChatType, projectID string, ts time.Time) Session {
	return Session{
		ID:        id,
		SessionID: id,
		ChatType:  chatType,
		ProjectID: projectID,
		FullChat: []Message{
			{ID: id + "-m1", Role: RoleUser, Content: "hello"},
			{ID: id + "-m2", Role: RoleAssistant, Content: "hi"},
		},
		Timestamp: ts,
	}
}

func TestUpsertAndViews(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Upsert(ctx, "avery@crewdeck.dev", session("s1", TypeProject, "proj-a", now.Add(-2*time.Hour))))
	require.NoError(t, store.Upsert(ctx, "avery@crewdeck.dev", session("s2", TypeProject, "proj-b", now.Add(-time.Hour))))
	require.NoError(t, store.Upsert(ctx, "avery@crewdeck.dev", session("s3", TypeDual, "", now)))

	unified, err := store.ByIdentity(ctx, "avery@crewdeck.dev")
	require.NoError(t, err)
	require.Len(t, unified, 3)
	assert.Equal(t, "s3", unified[0].ID, "unified view sorts newest first")
	assert.Equal(t, "s1", unified[2].ID)

	projA, err := store.ByProject(ctx, "avery@crewdeck.dev", "proj-a")
	require.NoError(t, err)
	require.Len(t, projA, 1)
	assert.Equal(t, "s1", projA[0].ID)

	dual, err := store.ByType(ctx, "avery@crewdeck.dev", TypeDual)
	require.NoError(t, err)
	require.Len(t, dual, 1)
	assert.Equal(t, "s3", dual[0].ID)
}

func TestByProjectUnknownProjectIsEmpty(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "avery@crewdeck.dev", session("s1", TypeProject, "proj-a", time.Now())))

	sessions, err := store.ByProject(ctx, "avery@crewdeck.dev", "proj-unknown")
	require.NoError(t, err)
	assert.Empty(t, sessions, "unknown project must present empty history, not fabricate one")
}

func TestDeleteRemovesFromEveryView(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := "avery@crewdeck.dev"

	// One session visible in both the project view and the unified view.
	require.NoError(t, store.Upsert(ctx, owner, session("s1", TypeProject, "proj-a", time.Now())))

	require.NoError(t, store.Delete(ctx, owner, "s1"))

	unified, err := store.ByIdentity(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, unified, "session must be gone from the unified view")

	projA, err := store.ByProject(ctx, owner, "proj-a")
	require.NoError(t, err)
	assert.Empty(t, projA, "session must be gone from the project view")

	_, err = store.Get(ctx, owner, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, owner, "s1"))
}

func TestImportBucketsFirstOccurrenceWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := "avery@crewdeck.dev"
	now := time.Now().UTC().Truncate(time.Second)

	first := session("dup", TypeProject, "proj-a", now)
	first.Summary = "from the first bucket"
	second := session("dup", TypeDual, "", now.Add(time.Hour))
	second.Summary = "from the second bucket"

	imported, err := store.ImportBuckets(ctx, owner,
		[]Session{first, session("only-a", TypeProject, "proj-a", now)},
		[]Session{second},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	got, err := store.Get(ctx, owner, "dup")
	require.NoError(t, err)
	assert.Equal(t, "from the first bucket", got.Summary, "tie-break is fixed scan order, not most recent")
}

func TestImportBucketsLeavesExistingRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := "avery@crewdeck.dev"

	existing := session("s1", TypeProject, "proj-a", time.Now())
	existing.Summary = "already stored"
	require.NoError(t, store.Upsert(ctx, owner, existing))

	incoming := session("s1", TypeProject, "proj-a", time.Now())
	incoming.Summary = "imported copy"
	imported, err := store.ImportBuckets(ctx, owner, []Session{incoming})
	require.NoError(t, err)
	assert.Zero(t, imported)

	got, err := store.Get(ctx, owner, "s1")
	require.NoError(t, err)
	assert.Equal(t, "already stored", got.Summary)
}

func TestMigrateGuest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Upsert(ctx, GuestNamespace, session("g1", TypeCommunication, "", now)))
	require.NoError(t, store.Upsert(ctx, GuestNamespace, session("g2", TypeDual, "", now.Add(time.Minute))))
	require.NoError(t, store.SaveChatID(ctx, GuestNamespace, "proj-a", "chat-guest"))

	require.NoError(t, store.MigrateGuest(ctx, "avery@crewdeck.dev"))

	migrated, err := store.ByIdentity(ctx, "avery@crewdeck.dev")
	require.NoError(t, err)
	assert.Len(t, migrated, 2)

	leftover, err := store.ByIdentity(ctx, GuestNamespace)
	require.NoError(t, err)
	assert.Empty(t, leftover, "guest namespace must be deleted after migration")

	chatID, err := store.LookupChatID(ctx, GuestNamespace, "proj-a")
	require.NoError(t, err)
	assert.Empty(t, chatID, "guest chat id cache must be cleared")
}

func TestMigrateGuestNoopForGuestIdentity(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.MigrateGuest(context.Background(), ""))
}

func TestChatIDCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	owner := "avery@crewdeck.dev"

	got, err := store.LookupChatID(ctx, owner, "proj-a")
	require.NoError(t, err)
	assert.Empty(t, got, "absent cache entry reads as empty, not an error")

	require.NoError(t, store.SaveChatID(ctx, owner, "proj-a", "abc"))
	got, err = store.LookupChatID(ctx, owner, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	// Per-project keying: another project stays empty.
	got, err = store.LookupChatID(ctx, owner, "proj-b")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, GuestNamespace, Namespace(""))
	assert.Equal(t, GuestNamespace, Namespace("   "))
	assert.Equal(t, "avery@crewdeck.dev", Namespace(" Avery@Crewdeck.dev "))
}
