package canvas

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentworkforce/canvasd/internal/observability"
)

type RepairRequest struct {
	DryRun      bool
	WorkspaceID string
}

const (
	RepairStatusPlanned = "planned"
	RepairStatusApplied = "applied"
	RepairStatusFailed  = "failed"
)

type RepairAction struct {
	EntityType          string   `json:"entityType"`
	EntityID            string   `json:"entityId"`
	KeptContainerID     string   `json:"keptContainerId"`
	RemovedContainerIDs []string `json:"removedContainerIds"`
	RemovedReferences   int      `json:"removedReferences"`
	Status              string   `json:"status"`
	Error               string   `json:"error,omitempty"`
}

type RepairResult struct {
	Success              bool           `json:"success"`
	DryRun               bool           `json:"dryRun"`
	WorkspaceID          string         `json:"workspaceId,omitempty"`
	TotalDuplicateGroups int            `json:"totalDuplicateGroups"`
	ProcessedGroups      int            `json:"processedGroups"`
	ContainersRemoved    int            `json:"containersRemoved"`
	ReferencesRemoved    int            `json:"referencesRemoved"`
	StaleReferences      int            `json:"staleReferences"`
	OrphansFound         int            `json:"orphansFound"`
	OrphansRemoved       int            `json:"orphansRemoved"`
	Actions              []RepairAction `json:"actions"`
	Orphans              []string       `json:"orphans"`
	Errors               []string       `json:"errors"`
}

// Repair heals duplicate container groups and unreferenced containers. Every
// decision is computed from one snapshot of the references taken up front,
// so a dry run reports the same counts and actions a real run would apply.
func (e *Engine) Repair(ctx context.Context, caller Caller, req RepairRequest) (RepairResult, error) {
	if caller.UserID == "" {
		return RepairResult{}, ErrUnauthenticated
	}
	if !caller.HasScope(ScopeRepair) {
		return RepairResult{}, ErrForbidden
	}
	logger := e.log.With().Bool("dry_run", req.DryRun).Str("workspace_id", req.WorkspaceID).Logger()

	result := RepairResult{
		DryRun:      req.DryRun,
		WorkspaceID: req.WorkspaceID,
		Actions:     []RepairAction{},
		Orphans:     []string{},
		Errors:      []string{},
	}

	refs, err := e.store.ListReferences(ctx, req.WorkspaceID)
	if err != nil {
		return RepairResult{}, fmt.Errorf("list references: %w", err)
	}
	refsPerContainer := make(map[string]int, len(refs))
	for _, ref := range refs {
		refsPerContainer[ref.ContainerID]++
	}
	liveRefs, staleIDs, err := e.splitStaleReferences(ctx, refs)
	if err != nil {
		return RepairResult{}, err
	}

	if len(staleIDs) > 0 {
		stale := 0
		for _, id := range staleIDs {
			stale += refsPerContainer[id]
		}
		if req.DryRun {
			result.StaleReferences = stale
		} else if _, err := e.store.DeleteReferencesByContainers(ctx, staleIDs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete stale references: %v", err))
			logger.Error().Err(err).Strs("container_ids", staleIDs).Msg("stale reference cleanup failed")
		} else {
			result.StaleReferences = stale
		}
		result.ReferencesRemoved += result.StaleReferences
	}

	groups := FindDuplicateGroups(liveRefs)
	result.TotalDuplicateGroups = len(groups)
	for _, group := range groups {
		action, err := e.repairGroup(ctx, group, refsPerContainer, req.DryRun)
		result.Actions = append(result.Actions, action)
		if err != nil {
			msg := fmt.Sprintf("%s:%s: %v", group.EntityType, group.EntityID, err)
			result.Errors = append(result.Errors, msg)
			logger.Error().Err(err).Str("entity_type", group.EntityType).Str("entity_id", group.EntityID).Msg("duplicate group repair failed")
			continue
		}
		result.ProcessedGroups++
		result.ContainersRemoved += len(action.RemovedContainerIDs)
		result.ReferencesRemoved += action.RemovedReferences
	}

	containers, err := e.store.ListNonGhostContainers(ctx, req.WorkspaceID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list containers: %v", err))
	} else {
		for _, c := range containers {
			if refsPerContainer[c.ID] == 0 {
				result.Orphans = append(result.Orphans, c.ID)
			}
		}
		sort.Strings(result.Orphans)
		result.OrphansFound = len(result.Orphans)
		if len(result.Orphans) > 0 {
			if req.DryRun {
				result.OrphansRemoved = len(result.Orphans)
			} else if err := e.store.ArchiveContainers(ctx, result.Orphans, e.now()); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("archive orphans: %v", err))
			} else {
				result.OrphansRemoved = len(result.Orphans)
			}
		}
	}

	result.Success = len(result.Errors) == 0
	observability.RecordRepair("duplicate_container", req.DryRun, result.ContainersRemoved)
	observability.RecordRepair("reference", req.DryRun, result.ReferencesRemoved)
	observability.RecordRepair("stale_reference", req.DryRun, result.StaleReferences)
	observability.RecordRepair("orphan", req.DryRun, result.OrphansRemoved)
	logger.Info().
		Int("duplicate_groups", result.TotalDuplicateGroups).
		Int("containers_removed", result.ContainersRemoved).
		Int("references_removed", result.ReferencesRemoved).
		Int("stale_references", result.StaleReferences).
		Int("orphans", result.OrphansFound).
		Int("errors", len(result.Errors)).
		Msg("repair finished")
	return result, nil
}

// splitStaleReferences separates references held by live containers from
// those whose container is archived or gone. Stale references hold an entity
// without drawing anything, so they are removed rather than ranked.
func (e *Engine) splitStaleReferences(ctx context.Context, refs []Reference) ([]Reference, []string, error) {
	seen := make(map[string]struct{}, len(refs))
	var ids []string
	for _, ref := range refs {
		if _, ok := seen[ref.ContainerID]; ok {
			continue
		}
		seen[ref.ContainerID] = struct{}{}
		ids = append(ids, ref.ContainerID)
	}
	containers, err := fetchInBatches(ctx, "get_containers", ids, e.batchSize, e.store.GetContainers)
	if err != nil {
		return nil, nil, err
	}
	live := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		if c.ArchivedAt == nil {
			live[c.ID] = struct{}{}
		}
	}
	var staleIDs []string
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			staleIDs = append(staleIDs, id)
		}
	}
	sort.Strings(staleIDs)
	liveRefs := make([]Reference, 0, len(refs))
	for _, ref := range refs {
		if _, ok := live[ref.ContainerID]; ok {
			liveRefs = append(liveRefs, ref)
		}
	}
	return liveRefs, staleIDs, nil
}

// repairGroup keeps the oldest live container of a duplicate group (ties
// broken by container id) and archives the rest, hard-deleting their
// references.
func (e *Engine) repairGroup(ctx context.Context, group DuplicateGroup, refsPerContainer map[string]int, dryRun bool) (RepairAction, error) {
	action := RepairAction{
		EntityType: group.EntityType,
		EntityID:   group.EntityID,
		Status:     RepairStatusPlanned,
	}
	ordered, err := e.orderByAge(ctx, group.ContainerIDs)
	if err != nil {
		action.Status = RepairStatusFailed
		action.Error = err.Error()
		return action, err
	}
	action.KeptContainerID = ordered[0]
	action.RemovedContainerIDs = ordered[1:]
	for _, id := range action.RemovedContainerIDs {
		action.RemovedReferences += refsPerContainer[id]
	}
	if dryRun {
		return action, nil
	}

	if err := e.store.ArchiveContainers(ctx, action.RemovedContainerIDs, e.now()); err != nil {
		action.Status = RepairStatusFailed
		action.Error = err.Error()
		return action, fmt.Errorf("archive containers: %w", err)
	}
	if _, err := e.store.DeleteReferencesByContainers(ctx, action.RemovedContainerIDs); err != nil {
		action.Status = RepairStatusFailed
		action.Error = err.Error()
		return action, fmt.Errorf("delete references: %w", err)
	}
	action.Status = RepairStatusApplied
	return action, nil
}

// orderByAge sorts container ids live first, then by creation time
// ascending, then id. Ids with no stored container sort last so a live
// container is always kept.
func (e *Engine) orderByAge(ctx context.Context, ids []string) ([]string, error) {
	containers, err := e.store.GetContainers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load containers: %w", err)
	}
	sort.Slice(containers, func(i, j int) bool {
		iLive, jLive := containers[i].ArchivedAt == nil, containers[j].ArchivedAt == nil
		if iLive != jLive {
			return iLive
		}
		if !containers[i].CreatedAt.Equal(containers[j].CreatedAt) {
			return containers[i].CreatedAt.Before(containers[j].CreatedAt)
		}
		return containers[i].ID < containers[j].ID
	})
	ordered := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, c := range containers {
		ordered = append(ordered, c.ID)
		seen[c.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return append(ordered, missing...), nil
}
