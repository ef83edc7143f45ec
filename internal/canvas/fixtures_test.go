package canvas_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"
	"github.com/agentworkforce/canvasd/internal/canvas/storage"

	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *storage.MemoryStore
	clock  *testClock
	engine *canvas.Engine
	owner  canvas.Caller
}

func seededStore() *storage.MemoryStore {
	store := storage.NewMemoryStore()
	store.PutProject(canvas.Project{ID: "proj_1", OwnerID: "alice", Name: "Launch"})
	store.PutWorkspace(canvas.Workspace{ID: "ws_1", ProjectID: "proj_1", Name: "Launch canvas", CreatedAt: t0})
	store.PutTrack(canvas.Track{ID: "track_a", ProjectID: "proj_1", Title: "A", OrderIndex: 0})
	store.PutTrack(canvas.Track{ID: "track_b", ProjectID: "proj_1", Title: "B", OrderIndex: 1})
	store.PutTrack(canvas.Track{ID: "track_c", ProjectID: "proj_1", Title: "C", OrderIndex: 2})
	return store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := seededStore()
	f := &fixture{store: store, clock: &testClock{now: t0}, owner: canvas.Caller{UserID: "alice"}}
	f.engine = f.newEngine(store, nil)
	return f
}

func (f *fixture) newEngine(store canvas.Store, executor canvas.PlanExecutor) *canvas.Engine {
	var seq atomic.Int64
	return canvas.NewEngine(canvas.EngineOptions{
		Store:    store,
		Executor: executor,
		Logger:   zerolog.Nop(),
		Now:      f.clock.Now,
		NewID:    func() string { return fmt.Sprintf("id_%04d", seq.Add(1)) },
	})
}

func (f *fixture) putBoundContainer(id, entityType, entityID string, created time.Time, ghost bool) {
	f.store.PutContainer(canvas.Container{
		ID:          id,
		WorkspaceID: "ws_1",
		Ghost:       ghost,
		Metadata:    canvas.ContainerMetadata{EntityType: entityType, EntityID: entityID},
		CreatedAt:   created,
		UpdatedAt:   created,
	})
	f.store.PutReference(canvas.Reference{
		ID:          "ref_" + id,
		WorkspaceID: "ws_1",
		EntityType:  entityType,
		EntityID:    entityID,
		ContainerID: id,
		Primary:     true,
		CreatedAt:   created,
	})
}

// archiveInPlace marks a container archived without touching its references,
// the way rows archived before reference cleanup look.
func (f *fixture) archiveInPlace(t *testing.T, id string, at time.Time) {
	t.Helper()
	containers, err := f.store.GetContainers(context.Background(), []string{id})
	if err != nil || len(containers) != 1 {
		t.Fatalf("load container %s: %v", id, err)
	}
	c := containers[0]
	c.ArchivedAt = &at
	f.store.PutContainer(c)
}

func liveContainers(t *testing.T, store canvas.Store) []canvas.Container {
	t.Helper()
	containers, err := store.ListContainers(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	return containers
}

func containerIDSet(views []canvas.ContainerView) map[string]struct{} {
	out := make(map[string]struct{}, len(views))
	for _, v := range views {
		out[v.ID] = struct{}{}
	}
	return out
}

// hookedStore lets a test intercept individual store calls.
type hookedStore struct {
	*storage.MemoryStore

	listPorts        func(ctx context.Context, ids []string) ([]canvas.Port, error)
	getContainers    func(ctx context.Context, ids []string) ([]canvas.Container, error)
	listRefsByCont   func(ctx context.Context, ids []string) ([]canvas.Reference, error)
	insertContainers func(ctx context.Context, containers []canvas.Container) ([]canvas.Container, error)
	insertReferences func(ctx context.Context, refs []canvas.Reference) ([]canvas.Reference, error)
	deleteContainers func(ctx context.Context, ids []string) error
	archive          func(ctx context.Context, ids []string, at time.Time) error
}

func (s *hookedStore) ListPorts(ctx context.Context, ids []string) ([]canvas.Port, error) {
	if s.listPorts != nil {
		return s.listPorts(ctx, ids)
	}
	return s.MemoryStore.ListPorts(ctx, ids)
}

func (s *hookedStore) GetContainers(ctx context.Context, ids []string) ([]canvas.Container, error) {
	if s.getContainers != nil {
		return s.getContainers(ctx, ids)
	}
	return s.MemoryStore.GetContainers(ctx, ids)
}

func (s *hookedStore) ListReferencesByContainers(ctx context.Context, ids []string) ([]canvas.Reference, error) {
	if s.listRefsByCont != nil {
		return s.listRefsByCont(ctx, ids)
	}
	return s.MemoryStore.ListReferencesByContainers(ctx, ids)
}

func (s *hookedStore) InsertContainers(ctx context.Context, containers []canvas.Container) ([]canvas.Container, error) {
	if s.insertContainers != nil {
		return s.insertContainers(ctx, containers)
	}
	return s.MemoryStore.InsertContainers(ctx, containers)
}

func (s *hookedStore) InsertReferences(ctx context.Context, refs []canvas.Reference) ([]canvas.Reference, error) {
	if s.insertReferences != nil {
		return s.insertReferences(ctx, refs)
	}
	return s.MemoryStore.InsertReferences(ctx, refs)
}

func (s *hookedStore) DeleteContainers(ctx context.Context, ids []string) error {
	if s.deleteContainers != nil {
		return s.deleteContainers(ctx, ids)
	}
	return s.MemoryStore.DeleteContainers(ctx, ids)
}

func (s *hookedStore) ArchiveContainers(ctx context.Context, ids []string, at time.Time) error {
	if s.archive != nil {
		return s.archive(ctx, ids, at)
	}
	return s.MemoryStore.ArchiveContainers(ctx, ids, at)
}
