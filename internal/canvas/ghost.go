package canvas

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentworkforce/canvasd/internal/observability"

	"github.com/rs/zerolog"
)

// Grid used for ghost placement. Top-level tracks run left to right and wrap
// once x would pass ghostMaxRowWidth; subtracks stack under their track.
const (
	ghostOriginX         = 100
	ghostOriginY         = 100
	ghostSpacingX        = 400
	ghostMaxRowWidth     = 2000
	ghostRowSpacing      = 600
	ghostSubtrackOffsetY = 150
	ghostWidth           = 280
	ghostHeight          = 120
)

type ghostSlot struct {
	Track Track
	X     float64
	Y     float64
}

// layoutTracks assigns grid positions to every qualifying track: top-level
// tracks and the direct subtracks of those tracks. Positions depend only on
// the canonical ordering, never on which containers already exist.
func layoutTracks(tracks []Track) []ghostSlot {
	ordered := append([]Track(nil), tracks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OrderIndex != ordered[j].OrderIndex {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		}
		return ordered[i].ID < ordered[j].ID
	})

	var top []Track
	children := map[string][]Track{}
	for _, t := range ordered {
		if t.ParentID == "" {
			top = append(top, t)
			continue
		}
		children[t.ParentID] = append(children[t.ParentID], t)
	}

	columns := (ghostMaxRowWidth-ghostOriginX)/ghostSpacingX + 1
	slots := make([]ghostSlot, 0, len(ordered))
	rowY := float64(ghostOriginY)
	rowSpan := 0
	for i, t := range top {
		col := i % columns
		if col == 0 && i > 0 {
			rowY += float64(rowHeight(rowSpan))
			rowSpan = 0
		}
		x := float64(ghostOriginX + col*ghostSpacingX)
		slots = append(slots, ghostSlot{Track: t, X: x, Y: rowY})
		for j, sub := range children[t.ID] {
			slots = append(slots, ghostSlot{
				Track: sub,
				X:     x,
				Y:     rowY + float64((j+1)*ghostSubtrackOffsetY),
			})
		}
		if n := len(children[t.ID]); n > rowSpan {
			rowSpan = n
		}
	}
	return slots
}

func rowHeight(subtracks int) int {
	h := (subtracks+1)*ghostSubtrackOffsetY + ghostSubtrackOffsetY
	if h < ghostRowSpacing {
		return ghostRowSpacing
	}
	return h
}

// materializeGhosts creates placeholder containers for tracks that have no
// container yet. Containers and references are inserted as two batches; the
// reference uniqueness constraint picks the winner of any concurrent race and
// the losing containers are deleted again here. Only containers whose
// reference was confirmed are returned.
func (e *Engine) materializeGhosts(ctx context.Context, ws Workspace, recon ReconciliationMap) ([]Container, []Reference, error) {
	tracks, err := e.store.ListTracks(ctx, ws.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("list tracks: %w", err)
	}

	var missing []ghostSlot
	for _, slot := range layoutTracks(tracks) {
		if _, ok := recon.ContainerFor(EntityTypeTrack, slot.Track.ID); ok {
			continue
		}
		missing = append(missing, slot)
	}
	if len(missing) == 0 {
		return nil, nil, nil
	}

	logger := e.log.With().Str("workspace_id", ws.ID).Logger()
	now := e.now()
	candidates := make([]Container, 0, len(missing))
	for _, slot := range missing {
		candidates = append(candidates, Container{
			ID:          e.newID(),
			WorkspaceID: ws.ID,
			X:           slot.X,
			Y:           slot.Y,
			Width:       ghostWidth,
			Height:      ghostHeight,
			Ghost:       true,
			Title:       slot.Track.Title,
			Metadata: ContainerMetadata{
				EntityType: EntityTypeTrack,
				EntityID:   slot.Track.ID,
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	inserted, err := e.store.InsertContainers(ctx, candidates)
	if err != nil {
		return nil, nil, fmt.Errorf("insert ghost containers: %w", err)
	}

	refs := make([]Reference, 0, len(inserted))
	for _, c := range inserted {
		refs = append(refs, Reference{
			ID:          e.newID(),
			WorkspaceID: ws.ID,
			EntityType:  c.Metadata.EntityType,
			EntityID:    c.Metadata.EntityID,
			ContainerID: c.ID,
			Primary:     true,
			CreatedAt:   now,
		})
	}

	confirmed, err := e.store.InsertReferences(ctx, refs)
	if err != nil {
		logger.Warn().Err(err).Int("containers", len(inserted)).Msg("ghost reference insert failed; removing new containers")
		e.compensate(ctx, logger, containerIDs(inserted))
		return nil, nil, nil
	}

	confirmedIDs := make(map[string]struct{}, len(confirmed))
	for _, ref := range confirmed {
		confirmedIDs[ref.ContainerID] = struct{}{}
	}
	var kept []Container
	var losers []string
	for _, c := range inserted {
		if _, ok := confirmedIDs[c.ID]; ok {
			kept = append(kept, c)
			continue
		}
		losers = append(losers, c.ID)
	}
	if len(losers) > 0 {
		logger.Info().Int("lost", len(losers)).Msg("ghost race lost for some entities; removing duplicates")
		e.compensate(ctx, logger, losers)
	}

	observability.RecordGhosts("created", len(kept))
	logger.Debug().Int("created", len(kept)).Msg("ghost containers materialized")
	return kept, confirmed, nil
}

// compensate hard-deletes containers that never got a reference. A failure
// here leaves an unreferenced ghost behind; it is logged, not returned.
func (e *Engine) compensate(ctx context.Context, logger zerolog.Logger, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := e.store.DeleteContainers(ctx, ids); err != nil {
		logger.Error().Err(err).Strs("container_ids", ids).Msg("compensating delete failed")
		return
	}
	observability.RecordGhosts("compensated", len(ids))
}
