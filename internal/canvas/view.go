package canvas

import "time"

type ContainerView struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ToView is the only place a persisted container becomes a view model.
func ToView(c Container) ContainerView {
	state := StateActive
	if c.Ghost {
		state = StateGhost
	}
	return ContainerView{
		ID:          c.ID,
		WorkspaceID: c.WorkspaceID,
		X:           c.X,
		Y:           c.Y,
		Width:       c.Width,
		Height:      c.Height,
		Title:       c.Title,
		Body:        c.Body,
		EntityType:  c.Metadata.EntityType,
		EntityID:    c.Metadata.EntityID,
		State:       state,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toViews(containers []Container) []ContainerView {
	out := make([]ContainerView, 0, len(containers))
	for _, c := range containers {
		out = append(out, ToView(c))
	}
	return out
}
