package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/momohq/momo/pkg/types"
)

// MemoryLoader fetches memories in bulk during graph traversal.
type MemoryLoader func(ctx context.Context, ids []string) ([]*types.Memory, error)

// TraverseGraph BFS-walks relation edges outward from the seed set,
// bounded by depth and node count. Forgotten memories never enter the
// frontier. Both backends share this walk; only the row loading differs.
// Nodes come out in discovery order, with relation edges expanded in
// sorted-ID order, so the same graph always serializes the same way.
func TraverseGraph(ctx context.Context, load MemoryLoader, seeds []*types.Memory, bounds GraphBounds) (*GraphResult, error) {
	result := &GraphResult{Nodes: []GraphNode{}, Links: []GraphLink{}}
	visited := map[string]bool{}
	order := []*types.Memory{}
	frontier := []*types.Memory{}

	for _, m := range seeds {
		if len(visited) >= bounds.MaxNodes {
			break
		}
		if visited[m.ID] {
			continue
		}
		visited[m.ID] = true
		order = append(order, m)
		frontier = append(frontier, m)
	}

	for depth := 0; depth < bounds.Depth && len(frontier) > 0; depth++ {
		// collect unvisited neighbor ids across the whole frontier
		var wanted []string
		seen := map[string]bool{}
		for _, m := range frontier {
			for _, relatedID := range sortedRelationIDs(m, bounds) {
				if seen[relatedID] || visited[relatedID] {
					continue
				}
				seen[relatedID] = true
				wanted = append(wanted, relatedID)
			}
		}
		if len(wanted) == 0 {
			break
		}

		loaded, err := load(ctx, wanted)
		if err != nil {
			return nil, fmt.Errorf("load graph neighbors: %w", err)
		}
		byID := map[string]*types.Memory{}
		for _, n := range loaded {
			byID[n.ID] = n
		}

		// admit neighbors in request order, not loader order, so the
		// MaxNodes cutoff lands on the same nodes every run
		next := []*types.Memory{}
		for _, id := range wanted {
			n := byID[id]
			if n == nil || n.IsForgotten {
				continue
			}
			if len(visited) >= bounds.MaxNodes {
				break
			}
			visited[n.ID] = true
			order = append(order, n)
			next = append(next, n)
		}
		frontier = next
	}

	for _, m := range order {
		result.Nodes = append(result.Nodes, GraphNode{
			ID:          m.ID,
			Preview:     Preview(m.Memory),
			MemoryType:  m.MemoryType,
			Version:     m.Version,
			IsInference: m.IsInference,
		})
		for _, relatedID := range sortedRelationIDs(m, bounds) {
			// only emit edges whose both ends made it into the graph
			if !visited[relatedID] {
				continue
			}
			result.Links = append(result.Links, GraphLink{
				Source:   m.ID,
				Target:   relatedID,
				Relation: m.Relations[relatedID],
			})
		}
	}
	return result, nil
}

// sortedRelationIDs returns the ids of m's allowed relations in sorted
// order. Map iteration order must never leak into traversal results.
func sortedRelationIDs(m *types.Memory, bounds GraphBounds) []string {
	ids := make([]string, 0, len(m.Relations))
	for relatedID, rel := range m.Relations {
		if !bounds.AllowsRelation(rel) {
			continue
		}
		ids = append(ids, relatedID)
	}
	sort.Strings(ids)
	return ids
}
