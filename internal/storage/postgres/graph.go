package postgres

import (
	"context"
	"fmt"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// GetMemoryGraph walks relation edges outward from one memory, bounded
// by depth and node count.
func (s *Store) GetMemoryGraph(ctx context.Context, id string, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	bounds.Normalize()

	seed, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if seed.IsForgotten {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	return storage.TraverseGraph(ctx, s.GetMemoriesByIDs, []*types.Memory{seed}, bounds)
}

// GetContainerGraph builds a bounded graph across a container's active
// memories, seeding from the most recently updated ones.
func (s *Store) GetContainerGraph(ctx context.Context, containerTag string, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	bounds.Normalize()

	seeds, err := s.GetActiveMemories(ctx, containerTag, bounds.MaxNodes)
	if err != nil {
		return nil, err
	}
	return storage.TraverseGraph(ctx, s.GetMemoriesByIDs, seeds, bounds)
}
