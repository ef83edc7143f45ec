package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStoreInsertReferencesSkipsConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.InsertReferences(ctx, []canvas.Reference{
		{ID: "r1", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c1"},
		{ID: "r2", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t2", ContainerID: "c2"},
	})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.InsertReferences(ctx, []canvas.Reference{
		{ID: "r3", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c3"},
		{ID: "r4", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t3", ContainerID: "c4"},
		{ID: "r5", WorkspaceID: "other", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c5"},
	})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "r4", second[0].ID)
	assert.Equal(t, "r5", second[1].ID)

	refs, err := s.ListReferences(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	all, err := s.ListReferences(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryStoreConcurrentReferenceInsertHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			confirmed, err := s.InsertReferences(ctx, []canvas.Reference{{
				ID:          "r" + string(rune('a'+i)),
				WorkspaceID: "ws",
				EntityType:  canvas.EntityTypeTrack,
				EntityID:    "t1",
				ContainerID: "c" + string(rune('a'+i)),
			}})
			assert.NoError(t, err)
			mu.Lock()
			wins += len(confirmed)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStoreListContainersOrderAndArchive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutContainer(canvas.Container{ID: "b", WorkspaceID: "ws", CreatedAt: baseTime})
	s.PutContainer(canvas.Container{ID: "a", WorkspaceID: "ws", CreatedAt: baseTime})
	s.PutContainer(canvas.Container{ID: "old", WorkspaceID: "ws", CreatedAt: baseTime.Add(-time.Hour)})
	s.PutContainer(canvas.Container{ID: "ghost", WorkspaceID: "ws", Ghost: true, CreatedAt: baseTime})
	s.PutContainer(canvas.Container{ID: "elsewhere", WorkspaceID: "other", CreatedAt: baseTime})

	live, err := s.ListContainers(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "a", "b", "ghost"}, ids(live))

	require.NoError(t, s.ArchiveContainers(ctx, []string{"a"}, baseTime.Add(time.Minute)))
	live, err = s.ListContainers(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "b", "ghost"}, ids(live))

	nonGhost, err := s.ListNonGhostContainers(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "b", "elsewhere"}, ids(nonGhost))

	archived, err := s.GetContainers(ctx, []string{"a"})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.NotNil(t, archived[0].ArchivedAt)
	assert.True(t, archived[0].ArchivedAt.Equal(baseTime.Add(time.Minute)))
}

func TestMemoryStoreInsertContainersRejectsExistingID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutContainer(canvas.Container{ID: "c1", WorkspaceID: "ws"})
	_, err := s.InsertContainers(ctx, []canvas.Container{{ID: "c2"}, {ID: "c1"}})
	require.ErrorIs(t, err, canvas.ErrInvalidInput)

	got, err := s.GetContainers(ctx, []string{"c2"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreDeleteReferencesByContainers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutReference(canvas.Reference{ID: "r1", WorkspaceID: "ws", EntityType: canvas.EntityTypeTask, EntityID: "x", ContainerID: "c1"})
	s.PutReference(canvas.Reference{ID: "r2", WorkspaceID: "ws", EntityType: canvas.EntityTypeTask, EntityID: "x", ContainerID: "c2"})
	s.PutReference(canvas.Reference{ID: "r3", WorkspaceID: "ws", EntityType: canvas.EntityTypeEvent, EntityID: "y", ContainerID: "c2"})

	n, err := s.DeleteReferencesByContainers(ctx, []string{"c2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := s.ListReferencesByContainers(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "r1", left[0].ID)
}

func TestMemoryStoreArchiveReleasesEntity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutContainer(canvas.Container{ID: "c1", WorkspaceID: "ws", CreatedAt: baseTime})
	_, err := s.InsertReferences(ctx, []canvas.Reference{{ID: "r1", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c1"}})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveContainers(ctx, []string{"c1"}, baseTime.Add(time.Minute)))
	left, err := s.ListReferencesByContainers(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, left)

	confirmed, err := s.InsertReferences(ctx, []canvas.Reference{{ID: "r2", WorkspaceID: "ws", EntityType: canvas.EntityTypeTrack, EntityID: "t1", ContainerID: "c2"}})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "r2", confirmed[0].ID)
}

func TestMemoryStoreLockLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	lock := canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "alice", AcquiredAt: baseTime, ExpiresAt: baseTime.Add(5 * time.Minute)}

	_, err := s.UpsertLock(ctx, lock, baseTime)
	require.NoError(t, err)

	active, err := s.ActiveLock(ctx, "ws", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "alice", active.OwnerID)

	_, err = s.UpsertLock(ctx, canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "bob", ExpiresAt: baseTime.Add(time.Hour)}, baseTime.Add(time.Minute))
	require.ErrorIs(t, err, canvas.ErrLockHeld)

	expired, err := s.ActiveLock(ctx, "ws", baseTime.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, expired)

	taken, err := s.UpsertLock(ctx, canvas.CanvasLock{WorkspaceID: "ws", OwnerID: "bob", ExpiresAt: baseTime.Add(time.Hour)}, baseTime.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "bob", taken.OwnerID)

	deleted, err := s.DeleteLock(ctx, "ws", "alice")
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = s.DeleteLock(ctx, "ws", "bob")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.GetWorkspace(ctx, "nope")
	require.ErrorIs(t, err, canvas.ErrNotFound)
	_, err = s.GetProject(ctx, "nope")
	require.ErrorIs(t, err, canvas.ErrNotFound)
}

func ids(containers []canvas.Container) []string {
	out := make([]string, 0, len(containers))
	for _, c := range containers {
		out = append(out, c.ID)
	}
	return out
}
