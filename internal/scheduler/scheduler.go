// Package scheduler runs the periodic maintenance jobs: forgetting
// sweeps, inference runs, and profile refreshes.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
)

// Job is one named periodic task. A zero or negative interval disables
// the job.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns a set of jobs and runs each on its own jittered
// ticker. Jitter spreads the load when several instances share a
// Postgres backend.
type Scheduler struct {
	jobs []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    sync.WaitGroup
	started bool
}

// New builds a scheduler with the standard maintenance jobs wired to
// the configured intervals.
func New(cfg *config.Config, forgetting *engine.ForgettingManager, inference *engine.InferenceEngine, profiles *engine.ProfileService) *Scheduler {
	jobs := []Job{
		{
			Name:     "forgetting",
			Interval: time.Duration(cfg.Memory.ForgettingCheckInterval) * time.Second,
			Run: func(ctx context.Context) error {
				stats, err := forgetting.RunOnce(ctx)
				if err != nil {
					return err
				}
				if stats.Forgotten > 0 || stats.Scheduled > 0 {
					log.Printf("scheduler: forgetting evaluated=%d forgotten=%d scheduled=%d",
						stats.Evaluated, stats.Forgotten, stats.Scheduled)
				}
				return nil
			},
		},
		{
			Name:     "inference",
			Interval: time.Duration(cfg.Inference.IntervalSecs) * time.Second,
			Run: func(ctx context.Context) error {
				stats, err := inference.RunOnce(ctx)
				if err != nil {
					return err
				}
				if stats.InferencesCreated > 0 {
					log.Printf("scheduler: inference seeds=%d created=%d",
						stats.SeedsProcessed, stats.InferencesCreated)
				}
				return nil
			},
		},
		{
			Name:     "profile-refresh",
			Interval: time.Duration(cfg.Memory.ProfileRefreshInterval) * time.Second,
			Run:      profiles.RefreshAll,
		},
	}
	return &Scheduler{jobs: jobs}
}

// NewWithJobs builds a scheduler over an explicit job list.
func NewWithJobs(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Start launches one goroutine per enabled job. Jobs do not fire
// immediately; the first run happens after one jittered interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			continue
		}
		s.done.Add(1)
		go s.runLoop(ctx, job)
		log.Printf("scheduler: %s every %v", job.Name, job.Interval)
	}
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.done.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(job.Interval)):
			if err := job.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("scheduler: %s failed: %v", job.Name, err)
			}
		}
	}
}

// jittered returns the interval plus up to 10 percent of random slack.
func jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d/10+1)))
}
