package canvas

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize  = 50
	DefaultLockTTL    = 5 * time.Minute
	DefaultMaxLockTTL = 30 * time.Minute

	ScopeRepair = "canvas:repair"
)

// PlanExecutor is the external collaborator that mutates canonical planning
// data. The engine only gates access to it.
type PlanExecutor interface {
	RollbackLastPlan(ctx context.Context, req RollbackRequest) (ExecutionResult, error)
}

type RollbackRequest struct {
	WorkspaceID   string `json:"workspaceId"`
	CallerID      string `json:"callerId"`
	CorrelationID string `json:"-"`
}

// ExecutionResult is passed back to the client as-is.
type ExecutionResult struct {
	Status      int
	ContentType string
	Body        []byte
}

type EngineOptions struct {
	Store      Store
	Executor   PlanExecutor
	Logger     zerolog.Logger
	BatchSize  int
	LockTTL    time.Duration
	MaxLockTTL time.Duration
	Now        func() time.Time
	NewID      func() string
}

type Engine struct {
	store      Store
	executor   PlanExecutor
	log        zerolog.Logger
	batchSize  int
	lockTTL    time.Duration
	maxLockTTL time.Duration
	now        func() time.Time
	newID      func() string
}

func NewEngine(opts EngineOptions) *Engine {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	maxLockTTL := opts.MaxLockTTL
	if maxLockTTL <= 0 {
		maxLockTTL = DefaultMaxLockTTL
	}
	if lockTTL > maxLockTTL {
		lockTTL = maxLockTTL
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Engine{
		store:      opts.Store,
		executor:   opts.Executor,
		log:        opts.Logger.With().Str("component", "canvas").Logger(),
		batchSize:  batchSize,
		lockTTL:    lockTTL,
		maxLockTTL: maxLockTTL,
		now:        now,
		newID:      newID,
	}
}

func (e *Engine) BatchSize() int {
	return e.batchSize
}

// authorizeWorkspace loads the workspace and confirms the caller owns the
// project behind it.
func (e *Engine) authorizeWorkspace(ctx context.Context, workspaceID string, caller Caller) (Workspace, error) {
	if caller.UserID == "" {
		return Workspace{}, ErrUnauthenticated
	}
	if workspaceID == "" {
		return Workspace{}, ErrInvalidInput
	}
	ws, err := e.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return Workspace{}, err
	}
	project, err := e.store.GetProject(ctx, ws.ProjectID)
	if errors.Is(err, ErrNotFound) {
		return Workspace{}, ErrForbidden
	}
	if err != nil {
		return Workspace{}, err
	}
	if project.OwnerID != caller.UserID {
		return Workspace{}, ErrForbidden
	}
	return ws, nil
}
