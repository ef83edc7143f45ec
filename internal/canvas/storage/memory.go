package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"
)

// MemoryStore keeps everything in process. It enforces the same reference
// uniqueness the postgres schema does, so races between concurrent graph
// fetches resolve the same way against either backend.
type MemoryStore struct {
	mu         sync.Mutex
	workspaces map[string]canvas.Workspace
	projects   map[string]canvas.Project
	tracks     map[string]canvas.Track
	containers map[string]canvas.Container
	ports      map[string]canvas.Port
	references map[string]canvas.Reference
	locks      map[string]canvas.CanvasLock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: map[string]canvas.Workspace{},
		projects:   map[string]canvas.Project{},
		tracks:     map[string]canvas.Track{},
		containers: map[string]canvas.Container{},
		ports:      map[string]canvas.Port{},
		references: map[string]canvas.Reference{},
		locks:      map[string]canvas.CanvasLock{},
	}
}

func (s *MemoryStore) PutWorkspace(ws canvas.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
}

func (s *MemoryStore) PutProject(p canvas.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *MemoryStore) PutTrack(t canvas.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[t.ID] = t
}

func (s *MemoryStore) PutContainer(c canvas.Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[c.ID] = cloneContainer(c)
}

func (s *MemoryStore) PutPort(p canvas.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[p.ID] = p
}

// PutReference stores a reference without the uniqueness check. It exists
// to load rows written before the constraint was in place.
func (s *MemoryStore) PutReference(ref canvas.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[ref.ID] = ref
}

func (s *MemoryStore) PutLock(lock canvas.CanvasLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[lock.WorkspaceID] = lock
}

func (s *MemoryStore) GetWorkspace(_ context.Context, workspaceID string) (canvas.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return canvas.Workspace{}, fmt.Errorf("workspace %s: %w", workspaceID, canvas.ErrNotFound)
	}
	return ws, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (canvas.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return canvas.Project{}, fmt.Errorf("project %s: %w", projectID, canvas.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) ListTracks(_ context.Context, projectID string) ([]canvas.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []canvas.Track
	for _, t := range s.tracks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListContainers(_ context.Context, workspaceID string) ([]canvas.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterContainersLocked(func(c canvas.Container) bool {
		return c.WorkspaceID == workspaceID && c.ArchivedAt == nil
	}), nil
}

func (s *MemoryStore) ListNonGhostContainers(_ context.Context, workspaceID string) ([]canvas.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterContainersLocked(func(c canvas.Container) bool {
		if workspaceID != "" && c.WorkspaceID != workspaceID {
			return false
		}
		return !c.Ghost && c.ArchivedAt == nil
	}), nil
}

func (s *MemoryStore) GetContainers(_ context.Context, containerIDs []string) ([]canvas.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := stringSet(containerIDs)
	return s.filterContainersLocked(func(c canvas.Container) bool {
		_, ok := wanted[c.ID]
		return ok
	}), nil
}

func (s *MemoryStore) InsertContainers(_ context.Context, containers []canvas.Container) ([]canvas.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range containers {
		if _, exists := s.containers[c.ID]; exists {
			return nil, fmt.Errorf("container %s already exists: %w", c.ID, canvas.ErrInvalidInput)
		}
	}
	out := make([]canvas.Container, 0, len(containers))
	for _, c := range containers {
		s.containers[c.ID] = cloneContainer(c)
		out = append(out, cloneContainer(c))
	}
	return out, nil
}

func (s *MemoryStore) DeleteContainers(_ context.Context, containerIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range containerIDs {
		delete(s.containers, id)
	}
	return nil
}

func (s *MemoryStore) ArchiveContainers(_ context.Context, containerIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range containerIDs {
		c, ok := s.containers[id]
		if !ok || c.ArchivedAt != nil {
			continue
		}
		archivedAt := at
		c.ArchivedAt = &archivedAt
		c.UpdatedAt = at
		s.containers[id] = c
	}
	archived := stringSet(containerIDs)
	for refID, ref := range s.references {
		if _, ok := archived[ref.ContainerID]; ok {
			delete(s.references, refID)
		}
	}
	return nil
}

func (s *MemoryStore) ListPorts(_ context.Context, containerIDs []string) ([]canvas.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := stringSet(containerIDs)
	var out []canvas.Port
	for _, p := range s.ports {
		if _, ok := wanted[p.ContainerID]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListReferences(_ context.Context, workspaceID string) ([]canvas.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterReferencesLocked(func(ref canvas.Reference) bool {
		return workspaceID == "" || ref.WorkspaceID == workspaceID
	}), nil
}

func (s *MemoryStore) ListReferencesByContainers(_ context.Context, containerIDs []string) ([]canvas.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := stringSet(containerIDs)
	return s.filterReferencesLocked(func(ref canvas.Reference) bool {
		_, ok := wanted[ref.ContainerID]
		return ok
	}), nil
}

func (s *MemoryStore) InsertReferences(_ context.Context, refs []canvas.Reference) ([]canvas.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var confirmed []canvas.Reference
	for _, ref := range refs {
		if s.hasReferenceLocked(ref.WorkspaceID, ref.EntityType, ref.EntityID) {
			continue
		}
		if _, exists := s.references[ref.ID]; exists {
			continue
		}
		s.references[ref.ID] = ref
		confirmed = append(confirmed, ref)
	}
	return confirmed, nil
}

func (s *MemoryStore) DeleteReferencesByContainers(_ context.Context, containerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := stringSet(containerIDs)
	deleted := 0
	for id, ref := range s.references {
		if _, ok := wanted[ref.ContainerID]; ok {
			delete(s.references, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) ActiveLock(_ context.Context, workspaceID string, now time.Time) (*canvas.CanvasLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[workspaceID]
	if !ok || !lock.ExpiresAt.After(now) {
		return nil, nil
	}
	return &lock, nil
}

func (s *MemoryStore) UpsertLock(_ context.Context, lock canvas.CanvasLock, now time.Time) (canvas.CanvasLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[lock.WorkspaceID]; ok {
		if existing.OwnerID != lock.OwnerID && existing.ExpiresAt.After(now) {
			return canvas.CanvasLock{}, canvas.ErrLockHeld
		}
	}
	s.locks[lock.WorkspaceID] = lock
	return lock, nil
}

func (s *MemoryStore) DeleteLock(_ context.Context, workspaceID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.locks[workspaceID]
	if !ok || existing.OwnerID != ownerID {
		return false, nil
	}
	delete(s.locks, workspaceID)
	return true, nil
}

func (s *MemoryStore) hasReferenceLocked(workspaceID, entityType, entityID string) bool {
	for _, ref := range s.references {
		if ref.WorkspaceID == workspaceID && ref.EntityType == entityType && ref.EntityID == entityID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) filterContainersLocked(keep func(canvas.Container) bool) []canvas.Container {
	var out []canvas.Container
	for _, c := range s.containers {
		if keep(c) {
			out = append(out, cloneContainer(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) filterReferencesLocked(keep func(canvas.Reference) bool) []canvas.Reference {
	var out []canvas.Reference
	for _, ref := range s.references {
		if keep(ref) {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneContainer(c canvas.Container) canvas.Container {
	if c.ArchivedAt != nil {
		archivedAt := *c.ArchivedAt
		c.ArchivedAt = &archivedAt
	}
	return c
}

func stringSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
