package canvas

import (
	"context"
	"fmt"

	"github.com/agentworkforce/canvasd/internal/observability"
)

// FetchGraph assembles one consistent snapshot of a workspace. It may write
// ghost containers and their references, so repeated calls converge on the
// same container set without being idempotent at the storage layer.
func (e *Engine) FetchGraph(ctx context.Context, workspaceID string, caller Caller) (GraphSnapshot, error) {
	ws, err := e.authorizeWorkspace(ctx, workspaceID, caller)
	if err != nil {
		return GraphSnapshot{}, err
	}
	logger := e.log.With().Str("workspace_id", ws.ID).Logger()

	containers, err := e.store.ListContainers(ctx, ws.ID)
	if err != nil {
		return GraphSnapshot{}, fmt.Errorf("list containers: %w", err)
	}
	ids := containerIDs(containers)

	ports, err := fetchInBatches(ctx, "list_ports", ids, e.batchSize, e.store.ListPorts)
	if err != nil {
		logger.Error().Err(err).Msg("port batch failed")
		return GraphSnapshot{}, err
	}
	refs, err := fetchInBatches(ctx, "list_references", ids, e.batchSize, e.store.ListReferencesByContainers)
	if err != nil {
		logger.Error().Err(err).Msg("reference batch failed")
		return GraphSnapshot{}, err
	}

	recon := BuildReconciliationMap(refs)
	if len(recon.Duplicates) > 0 {
		observability.RecordIntegrityViolation()
		logger.Error().
			Int("duplicate_groups", len(recon.Duplicates)).
			Msg("duplicate containers detected; run the repair job")
		return GraphSnapshot{}, &DataIntegrityError{WorkspaceID: ws.ID, Duplicates: recon.Duplicates}
	}

	ghosts, ghostRefs, err := e.materializeGhosts(ctx, ws, recon)
	if err != nil {
		return GraphSnapshot{}, err
	}
	containers = append(containers, ghosts...)
	refs = append(refs, ghostRefs...)

	lock, err := e.store.ActiveLock(ctx, ws.ID, e.now())
	if err != nil {
		return GraphSnapshot{}, fmt.Errorf("load canvas lock: %w", err)
	}

	visibility := make(map[string]bool, len(containers))
	for _, c := range containers {
		visibility[c.ID] = true
	}

	if ports == nil {
		ports = []Port{}
	}
	if refs == nil {
		refs = []Reference{}
	}
	return GraphSnapshot{
		Workspace:  ws,
		Containers: toViews(containers),
		Ports:      ports,
		References: refs,
		ActiveLock: lock,
		Visibility: visibility,
	}, nil
}

// fetchInBatches splits ids into chunks of at most size and concatenates
// the results. The first failing chunk aborts the whole load.
func fetchInBatches[T any](ctx context.Context, op string, ids []string, size int, fetch func(context.Context, []string) ([]T, error)) ([]T, error) {
	var out []T
	for i, chunk := range chunkIDs(ids, size) {
		items, err := fetch(ctx, chunk)
		if err != nil {
			return nil, &TransientStoreError{
				Operation:  op,
				ChunkSize:  size,
				TotalIDs:   len(ids),
				BatchIndex: i,
				Err:        err,
			}
		}
		out = append(out, items...)
	}
	return out, nil
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func containerIDs(containers []Container) []string {
	out := make([]string, 0, len(containers))
	for _, c := range containers {
		out = append(out, c.ID)
	}
	return out
}
