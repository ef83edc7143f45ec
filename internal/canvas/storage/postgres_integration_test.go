package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationReferenceUniqueness(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := store.InsertContainers(ctx, []canvas.Container{
		{ID: "c1", WorkspaceID: "ws", Ghost: true, Metadata: canvas.ContainerMetadata{EntityType: canvas.EntityTypeTrack, EntityID: "t1"}, CreatedAt: now, UpdatedAt: now},
		{ID: "c2", WorkspaceID: "ws", Ghost: true, Metadata: canvas.ContainerMetadata{EntityType: canvas.EntityTypeTrack, EntityID: "t1"}, CreatedAt: now, UpdatedAt: now},
	})
	require.NoError(t, err)

	first, err := store.InsertReferences(ctx, []canvas.Reference{
		{ID: "r1", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c1", Primary: true, CreatedAt: now},
	})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.InsertReferences(ctx, []canvas.Reference{
		{ID: "r2", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c2", Primary: true, CreatedAt: now},
		{ID: "r3", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t2", ContainerID: "c2", Primary: true, CreatedAt: now},
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "r3", second[0].ID)

	containers, err := store.GetContainers(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "t1", containers[0].Metadata.EntityID)

	byContainer, err := store.ListReferencesByContainers(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Len(t, byContainer, 2)

	n, err := store.DeleteReferencesByContainers(ctx, []string{"c2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.ArchiveContainers(ctx, []string{"c2"}, now))
	live, err := store.ListContainers(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "c1", live[0].ID)
}

func TestPostgresIntegrationArchiveReleasesEntity(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.InsertContainers(ctx, []canvas.Container{{ID: "c1", WorkspaceID: "ws", Ghost: true, CreatedAt: now, UpdatedAt: now}})
	require.NoError(t, err)
	_, err = store.InsertReferences(ctx, []canvas.Reference{{ID: "r1", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c1", Primary: true, CreatedAt: now}})
	require.NoError(t, err)

	require.NoError(t, store.ArchiveContainers(ctx, []string{"c1"}, now))
	left, err := store.ListReferencesByContainers(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, left)

	confirmed, err := store.InsertReferences(ctx, []canvas.Reference{{ID: "r2", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c2", Primary: true, CreatedAt: now}})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
}

func TestPostgresIntegrationOpensWithDuplicateReferences(t *testing.T) {
	store, raw := unreadyPostgresIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	refs := quoteIdent(store.tables.references)
	_, err := raw.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			container_id TEXT NOT NULL,
			is_primary BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, refs))
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, workspace_id, entity_type, entity_id, container_id) VALUES
		('r1', 'ws', 'track', 't1', 'c1'),
		('r2', 'ws', 'track', 't1', 'c2')`, refs))
	require.NoError(t, err)

	require.NoError(t, store.ensureReady())
	listed, err := store.ListReferences(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	newRef := canvas.Reference{ID: "r3", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t2", ContainerID: "c3", Primary: true, CreatedAt: now}
	_, err = store.InsertReferences(ctx, []canvas.Reference{newRef})
	require.ErrorIs(t, err, ErrReferenceIndexPending)

	_, err = store.DeleteReferencesByContainers(ctx, []string{"c2"})
	require.NoError(t, err)

	confirmed, err := store.InsertReferences(ctx, []canvas.Reference{newRef})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)

	dup := canvas.Reference{ID: "r4", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c4", Primary: true, CreatedAt: now}
	confirmed, err = store.InsertReferences(ctx, []canvas.Reference{dup})
	require.NoError(t, err)
	assert.Empty(t, confirmed)
}

func TestPostgresIntegrationLockOwnership(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.UpsertLock(ctx, canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "alice", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}, now)
	require.NoError(t, err)

	_, err = store.UpsertLock(ctx, canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "bob", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}, now)
	require.ErrorIs(t, err, canvas.ErrLockHeld)

	renewed, err := store.UpsertLock(ctx, canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "alice", AcquiredAt: now, ExpiresAt: now.Add(2 * time.Minute)}, now)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(now.Add(2*time.Minute)))

	later := now.Add(3 * time.Minute)
	active, err := store.ActiveLock(ctx, "ws", later)
	require.NoError(t, err)
	assert.Nil(t, active)

	taken, err := store.UpsertLock(ctx, canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "bob", AcquiredAt: later, ExpiresAt: later.Add(time.Minute)}, later)
	require.NoError(t, err)
	assert.Equal(t, "bob", taken.OwnerID)

	deleted, err := store.DeleteLock(ctx, "ws", "bob")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestPostgresIntegrationTracksAndProjects(t *testing.T) {
	store := newPostgresIntegrationStore(t)
	ctx := context.Background()
	db := postgresIntegrationDB(t, store)

	_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, owner_id, name) VALUES ('p1', 'alice', 'Roadmap')`, quoteIdent(store.tables.projects)))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, project_id, parent_id, title, order_index) VALUES
		('t2', 'p1', NULL, 'Second', 1),
		('t1', 'p1', NULL, 'First', 0),
		('t1a', 'p1', 't1', 'Sub', 0)`, quoteIdent(store.tables.tracks)))
	require.NoError(t, err)

	project, err := store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", project.OwnerID)

	tracks, err := store.ListTracks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tracks, 3)
	assert.Equal(t, "t1", tracks[0].ID)
	assert.Equal(t, "", tracks[0].ParentID)

	_, err = store.GetWorkspace(ctx, "missing")
	require.ErrorIs(t, err, canvas.ErrNotFound)
}

func newPostgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	store, _ := unreadyPostgresIntegrationStore(t)
	require.NoError(t, store.ensureReady())

	db := postgresIntegrationDB(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (id TEXT PRIMARY KEY, owner_id TEXT NOT NULL, name TEXT)`, quoteIdent(store.tables.projects)))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (id TEXT PRIMARY KEY, project_id TEXT NOT NULL, parent_id TEXT, title TEXT, order_index INTEGER NOT NULL DEFAULT 0)`, quoteIdent(store.tables.tracks)))
	require.NoError(t, err)
	return store
}

// unreadyPostgresIntegrationStore returns a store on fresh table names whose
// schema has not been applied yet, plus a raw connection for seeding.
func unreadyPostgresIntegrationStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CANVASD_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("set CANVASD_POSTGRES_TEST_DSN to run Postgres integration tests")
	}
	opened, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	store := opened.(*PostgresStore)
	raw, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	suffix := fmt.Sprintf("_%d_%d", time.Now().UnixNano(), n)
	store.tables = postgresTables{
		workspaces: postgresWorkspacesTable + suffix,
		containers: postgresContainersTable + suffix,
		ports:      postgresPortsTable + suffix,
		references: postgresReferencesTable + suffix,
		locks:      postgresLocksTable + suffix,
		projects:   "canvas_it_projects" + suffix,
		tracks:     "canvas_it_tracks" + suffix,
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, table := range []string{
			store.tables.workspaces, store.tables.containers, store.tables.ports,
			store.tables.references, store.tables.locks, store.tables.projects, store.tables.tracks,
		} {
			_, _ = raw.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table))
		}
		_ = raw.Close()
		_ = store.Close()
	})
	return store, raw
}

func postgresIntegrationDB(t *testing.T, store *PostgresStore) *sql.DB {
	t.Helper()
	require.NotNil(t, store.db)
	return store.db
}
