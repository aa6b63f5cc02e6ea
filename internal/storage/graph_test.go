package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momohq/momo/pkg/types"
)

func graphMemory(id string, relations map[string]types.RelationType) *types.Memory {
	return &types.Memory{
		ID:         id,
		Memory:     "memory " + id,
		MemoryType: types.MemoryFact,
		Relations:  relations,
	}
}

func mapLoader(memories ...*types.Memory) MemoryLoader {
	byID := map[string]*types.Memory{}
	for _, m := range memories {
		byID[m.ID] = m
	}
	return func(_ context.Context, ids []string) ([]*types.Memory, error) {
		// deliver in reverse request order; traversal output must not care
		var out []*types.Memory
		for i := len(ids) - 1; i >= 0; i-- {
			if m, ok := byID[ids[i]]; ok {
				out = append(out, m)
			}
		}
		return out, nil
	}
}

func TestTraverseGraphDeterministicOrder(t *testing.T) {
	ctx := context.Background()

	// m1 fans out to three neighbors; m3 links one level further
	m1 := graphMemory("m1", map[string]types.RelationType{
		"m4": types.RelationExtends,
		"m2": types.RelationExtends,
		"m3": types.RelationExtends,
	})
	m2 := graphMemory("m2", nil)
	m3 := graphMemory("m3", map[string]types.RelationType{"m5": types.RelationDerives})
	m4 := graphMemory("m4", nil)
	m5 := graphMemory("m5", nil)
	load := mapLoader(m1, m2, m3, m4, m5)

	bounds := GraphBounds{Depth: 2, MaxNodes: 10}
	first, err := TraverseGraph(ctx, load, []*types.Memory{m1}, bounds)
	require.NoError(t, err)

	var nodeIDs []string
	for _, n := range first.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, nodeIDs,
		"seed first, then each depth layer in sorted-id order")
	require.Len(t, first.Links, 4)
	assert.Equal(t, "m2", first.Links[0].Target)
	assert.Equal(t, "m3", first.Links[1].Target)
	assert.Equal(t, "m4", first.Links[2].Target)
	assert.Equal(t, "m5", first.Links[3].Target)

	// repeat runs serialize identically
	for i := 0; i < 20; i++ {
		again, err := TraverseGraph(ctx, load, []*types.Memory{m1}, bounds)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTraverseGraphMaxNodesCutoffStable(t *testing.T) {
	ctx := context.Background()

	m1 := graphMemory("m1", map[string]types.RelationType{
		"m2": types.RelationExtends,
		"m3": types.RelationExtends,
		"m4": types.RelationExtends,
	})
	load := mapLoader(m1, graphMemory("m2", nil), graphMemory("m3", nil), graphMemory("m4", nil))

	for i := 0; i < 20; i++ {
		g, err := TraverseGraph(ctx, load, []*types.Memory{m1}, GraphBounds{Depth: 1, MaxNodes: 3})
		require.NoError(t, err)
		require.Len(t, g.Nodes, 3)
		// the cutoff always lands on the same neighbors
		assert.Equal(t, "m2", g.Nodes[1].ID)
		assert.Equal(t, "m3", g.Nodes[2].ID)
	}
}

func TestTraverseGraphSkipsForgotten(t *testing.T) {
	ctx := context.Background()

	m1 := graphMemory("m1", map[string]types.RelationType{"m2": types.RelationUpdates})
	m2 := graphMemory("m2", nil)
	m2.IsForgotten = true

	g, err := TraverseGraph(ctx, mapLoader(m1, m2), []*types.Memory{m1}, GraphBounds{Depth: 2, MaxNodes: 10})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Links)
}
