package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 30 * time.Second

// Sweeper removes stale sessions from the live registry.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// HistoryPruner deletes closed history records older than a cutoff.
type HistoryPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type CleanupJob struct {
	sweeper          Sweeper
	history          HistoryPruner
	historyRetention time.Duration
	interval         time.Duration
	now              func() time.Time
	done             chan struct{}
}

// NewCleanupJob builds the job. history may be nil when no history store is
// configured.
func NewCleanupJob(
	sweeper Sweeper,
	history HistoryPruner,
	historyRetention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sweeper:          sweeper,
		history:          history,
		historyRetention: historyRetention,
		interval:         interval,
		now:              time.Now,
		done:             make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	j.runCleanup(ctx, "expired pairing sessions", j.sweeper.SweepExpired)
	if j.history != nil && j.historyRetention > 0 {
		cutoff := j.now().Add(-j.historyRetention)
		j.runCleanup(ctx, "session history", func(ctx context.Context) (int64, error) {
			return j.history.DeleteOlderThan(ctx, cutoff)
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
