package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/momohq/momo/internal/storage"
)

// ForgettingManager runs the two-pass forgetting sweep: hard-forget
// memories whose scheduled time has passed, then scan decayed episodes and
// schedule them. Passes are independent so a freshly scheduled episode is
// never forgotten in the same sweep; it always gets its grace period.
type ForgettingManager struct {
	store storage.MemoryStore
	decay DecayParams
}

// NewForgettingManager creates the manager.
func NewForgettingManager(store storage.MemoryStore, decay DecayParams) *ForgettingManager {
	return &ForgettingManager{store: store, decay: decay}
}

// ForgettingStats summarizes one sweep.
type ForgettingStats struct {
	Evaluated int `json:"evaluated"`
	Forgotten int `json:"forgotten"`
	Scheduled int `json:"scheduled"`
	Errors    int `json:"errors"`
}

// RunOnce executes both passes. Per-memory failures are logged and counted;
// the sweep keeps going.
func (f *ForgettingManager) RunOnce(ctx context.Context) (ForgettingStats, error) {
	var stats ForgettingStats
	now := time.Now().UTC()

	expired, err := f.store.GetForgettingCandidates(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("load forgetting candidates: %w", err)
	}
	for _, m := range expired {
		stats.Evaluated++
		if err := f.store.ForgetMemory(ctx, m.ID, "expired: scheduled forget time passed"); err != nil {
			log.Printf("forgetting: forget %s failed: %v", m.ID, err)
			stats.Errors++
			continue
		}
		stats.Forgotten++
	}

	episodes, err := f.store.GetEpisodeDecayCandidates(ctx)
	if err != nil {
		return stats, fmt.Errorf("load decay candidates: %w", err)
	}
	deadline := f.decay.ForgetDeadline(now)
	for _, m := range episodes {
		stats.Evaluated++
		if !f.decay.BelowThreshold(m, now) {
			continue
		}
		if err := f.store.SetMemoryForgetAfter(ctx, m.ID, deadline); err != nil {
			log.Printf("forgetting: schedule %s failed: %v", m.ID, err)
			stats.Errors++
			continue
		}
		stats.Scheduled++
	}

	if stats.Forgotten > 0 || stats.Scheduled > 0 {
		log.Printf("forgetting: sweep complete, forgotten=%d scheduled=%d errors=%d",
			stats.Forgotten, stats.Scheduled, stats.Errors)
	}
	return stats, nil
}
