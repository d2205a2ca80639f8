package presence

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/buddy-chat/internal/metrics"
)

// DefaultSweepInterval is how often StartSweeper scans for stale heartbeats.
const DefaultSweepInterval = 60 * time.Second

// Sweep forces every user whose last heartbeat is older than StaleAfter to
// offline and notifies their subscribers. It returns the number of users
// moved to offline.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-StaleAfter).UnixMilli()

	userIDs, err := s.client.ZRangeByScore(ctx, HeartbeatIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: sweep scan: %w", err)
	}

	forced := 0
	var firstErr error
	for _, uid := range userIDs {
		res, err := s.sweep.Run(ctx, s.client, []string{KeyPrefix + uid, HeartbeatIndex}, uid, cutoff).Int()
		if err != nil {
			log.Printf("[presence] sweep: failed to force %s offline: %v", uid, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("presence: sweep %s: %w", uid, err)
			}
			continue
		}
		if res == 0 {
			continue
		}
		forced++
		metrics.PresenceForcedOffline.Inc()
		// res == 2 is an invisible user, who already read as offline.
		if res == 1 {
			s.publish(Presence{UserID: uid, Status: StatusOffline})
		}
	}

	if forced > 0 {
		log.Printf("[presence] sweep: forced %d stale users offline", forced)
	}
	return forced, firstErr
}

// StartSweeper runs Sweep every interval until ctx is cancelled. Failures
// are logged and retried on the next tick.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[presence] sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				metrics.SweepRuns.WithLabelValues("presence", "error").Inc()
				log.Printf("[presence] sweep failed: %v", err)
				continue
			}
			metrics.SweepRuns.WithLabelValues("presence", "ok").Inc()
		}
	}
}
