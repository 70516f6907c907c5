package syncrun

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs a sync on a fixed interval until its context is cancelled.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	req      RunRequest
}

func NewScheduler(coord *Coordinator, interval time.Duration, req RunRequest) *Scheduler {
	return &Scheduler{coord: coord, interval: interval, req: req}
}

// Start blocks; run it on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	log.Info().Dur("interval", s.interval).Str("direction", s.req.Direction).Msg("scheduled sync enabled")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduled sync stopped")
			return
		case <-ticker.C:
			res := s.coord.RunSync(ctx, s.req)
			switch {
			case res.Locked:
				log.Info().Msg("scheduled sync skipped, run already in progress")
			case !res.Success:
				log.Warn().Str("error", res.Error).Int("files_failed", res.FilesFailed).Msg("scheduled sync failed")
			}
		}
	}
}
