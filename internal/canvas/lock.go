package canvas

import (
	"context"
	"fmt"
	"time"
)

// RequireLock succeeds only when the caller owns an unexpired lock on the
// workspace. There is no waiting or retry; re-acquiring is up to the caller.
func (e *Engine) RequireLock(ctx context.Context, workspaceID string, caller Caller) (CanvasLock, error) {
	if caller.UserID == "" {
		return CanvasLock{}, ErrUnauthenticated
	}
	now := e.now()
	lock, err := e.store.ActiveLock(ctx, workspaceID, now)
	if err != nil {
		return CanvasLock{}, fmt.Errorf("load canvas lock: %w", err)
	}
	if lock == nil || lock.OwnerID != caller.UserID || !lock.ExpiresAt.After(now) {
		return CanvasLock{}, ErrLockRequired
	}
	return *lock, nil
}

// RollbackLastPlan hands the rollback to the plan executor once the lock
// gate passes and returns the executor's result untouched.
func (e *Engine) RollbackLastPlan(ctx context.Context, workspaceID string, caller Caller, correlationID string) (ExecutionResult, error) {
	if _, err := e.RequireLock(ctx, workspaceID, caller); err != nil {
		return ExecutionResult{}, err
	}
	if e.executor == nil {
		return ExecutionResult{}, fmt.Errorf("%w: plan executor", ErrNotImplemented)
	}
	e.log.Info().Str("workspace_id", workspaceID).Str("caller", caller.UserID).Msg("forwarding plan rollback")
	return e.executor.RollbackLastPlan(ctx, RollbackRequest{
		WorkspaceID:   workspaceID,
		CallerID:      caller.UserID,
		CorrelationID: correlationID,
	})
}

// AcquireLock takes or renews the workspace lock for the caller. A lock held
// by someone else is only replaced after it expires.
func (e *Engine) AcquireLock(ctx context.Context, workspaceID string, caller Caller, ttl time.Duration) (CanvasLock, error) {
	ws, err := e.authorizeWorkspace(ctx, workspaceID, caller)
	if err != nil {
		return CanvasLock{}, err
	}
	if ttl <= 0 {
		ttl = e.lockTTL
	}
	if ttl > e.maxLockTTL {
		ttl = e.maxLockTTL
	}
	now := e.now()
	lock, err := e.store.UpsertLock(ctx, CanvasLock{
		WorkspaceID: ws.ID,
		OwnerID:     caller.UserID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}, now)
	if err != nil {
		return CanvasLock{}, err
	}
	e.log.Debug().Str("workspace_id", ws.ID).Str("owner", caller.UserID).Time("expires_at", lock.ExpiresAt).Msg("canvas lock acquired")
	return lock, nil
}

func (e *Engine) ReleaseLock(ctx context.Context, workspaceID string, caller Caller) error {
	if caller.UserID == "" {
		return ErrUnauthenticated
	}
	deleted, err := e.store.DeleteLock(ctx, workspaceID, caller.UserID)
	if err != nil {
		return fmt.Errorf("release canvas lock: %w", err)
	}
	if !deleted {
		return ErrLockRequired
	}
	return nil
}
