package canvas

import "sort"

// ReconciliationMap is the entity -> container mapping rebuilt on every
// graph fetch. Entities bound to more than one container appear only in
// Duplicates.
type ReconciliationMap struct {
	ByEntity   map[EntityKey]string
	Duplicates []DuplicateGroup
}

func (m ReconciliationMap) ContainerFor(entityType, entityID string) (string, bool) {
	id, ok := m.ByEntity[EntityKey{EntityType: entityType, EntityID: entityID}]
	return id, ok
}

// BuildReconciliationMap groups references by entity identity. It never
// picks a winner for duplicate groups.
func BuildReconciliationMap(refs []Reference) ReconciliationMap {
	groups, order := groupReferences(refs)
	out := ReconciliationMap{ByEntity: make(map[EntityKey]string, len(groups))}
	for _, key := range order {
		ids := groups[key]
		if len(ids) == 1 {
			out.ByEntity[key] = ids[0]
			continue
		}
		out.Duplicates = append(out.Duplicates, DuplicateGroup{
			EntityType:   key.EntityType,
			EntityID:     key.EntityID,
			ContainerIDs: ids,
		})
	}
	return out
}

// FindDuplicateGroups applies the same grouping as BuildReconciliationMap
// and returns only the groups with more than one container.
func FindDuplicateGroups(refs []Reference) []DuplicateGroup {
	return BuildReconciliationMap(refs).Duplicates
}

func groupReferences(refs []Reference) (map[EntityKey][]string, []EntityKey) {
	groups := make(map[EntityKey][]string)
	for _, ref := range refs {
		key := EntityKey{EntityType: ref.EntityType, EntityID: ref.EntityID}
		if _, ok := groups[key]; !ok {
			groups[key] = nil
		}
		if containsString(groups[key], ref.ContainerID) {
			continue
		}
		groups[key] = append(groups[key], ref.ContainerID)
	}
	order := make([]EntityKey, 0, len(groups))
	for key := range groups {
		order = append(order, key)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].EntityType != order[j].EntityType {
			return order[i].EntityType < order[j].EntityType
		}
		return order[i].EntityID < order[j].EntityID
	})
	return groups, order
}

func containsString(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
