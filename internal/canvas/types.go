package canvas

import (
	"context"
	"time"
)

const (
	EntityTypeTrack       = "track"
	EntityTypeTask        = "task"
	EntityTypeEvent       = "event"
	EntityTypeRoadmapItem = "roadmap_item"

	StateGhost  = "ghost"
	StateActive = "active"
)

type Workspace struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Project struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Name    string `json:"name,omitempty"`
}

// Track is a canonical track or subtrack. Subtracks carry the parent id.
type Track struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	ParentID   string `json:"parentId,omitempty"`
	Title      string `json:"title"`
	OrderIndex int    `json:"orderIndex"`
}

// ContainerMetadata is the stored metadata blob of a container. Freeform
// containers leave both fields empty.
type ContainerMetadata struct {
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

type Container struct {
	ID          string
	WorkspaceID string
	X           float64
	Y           float64
	Width       float64
	Height      float64
	Ghost       bool
	Title       string
	Body        string
	Metadata    ContainerMetadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ArchivedAt  *time.Time
}

type Reference struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	ContainerID string    `json:"containerId"`
	Primary     bool      `json:"isPrimary"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Port struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId"`
	Kind        string `json:"kind"`
	Label       string `json:"label,omitempty"`
}

type CanvasLock struct {
	WorkspaceID string    `json:"workspaceId"`
	OwnerID     string    `json:"ownerId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Caller is the identity established by the transport layer.
type Caller struct {
	UserID string
	Scopes map[string]struct{}
}

func (c Caller) HasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

type EntityKey struct {
	EntityType string
	EntityID   string
}

type GraphSnapshot struct {
	Workspace  Workspace       `json:"workspace"`
	Containers []ContainerView `json:"containers"`
	Ports      []Port          `json:"ports"`
	References []Reference     `json:"references"`
	ActiveLock *CanvasLock     `json:"activeLock"`
	Visibility map[string]bool `json:"visibility"`
}

// Store is the backing store the engine reconciles against. Canonical tables
// (projects, tracks) are only ever read.
type Store interface {
	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	GetProject(ctx context.Context, projectID string) (Project, error)
	ListTracks(ctx context.Context, projectID string) ([]Track, error)

	ListContainers(ctx context.Context, workspaceID string) ([]Container, error)
	ListNonGhostContainers(ctx context.Context, workspaceID string) ([]Container, error)
	GetContainers(ctx context.Context, containerIDs []string) ([]Container, error)
	InsertContainers(ctx context.Context, containers []Container) ([]Container, error)
	DeleteContainers(ctx context.Context, containerIDs []string) error
	// ArchiveContainers soft-deletes containers and drops their references
	// in the same step, so an archived container never holds an entity.
	ArchiveContainers(ctx context.Context, containerIDs []string, at time.Time) error

	ListPorts(ctx context.Context, containerIDs []string) ([]Port, error)

	ListReferences(ctx context.Context, workspaceID string) ([]Reference, error)
	ListReferencesByContainers(ctx context.Context, containerIDs []string) ([]Reference, error)
	// InsertReferences returns the references that were actually stored.
	// Rows rejected by the uniqueness constraint are skipped, not errors.
	InsertReferences(ctx context.Context, refs []Reference) ([]Reference, error)
	DeleteReferencesByContainers(ctx context.Context, containerIDs []string) (int, error)

	ActiveLock(ctx context.Context, workspaceID string, now time.Time) (*CanvasLock, error)
	UpsertLock(ctx context.Context, lock CanvasLock, now time.Time) (CanvasLock, error)
	DeleteLock(ctx context.Context, workspaceID, ownerID string) (bool, error)
}
