package workers

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/branchd-dev/sessionbridge/internal/models"
)

// Retention prunes the auth event log on a cron schedule
type Retention struct {
	db     *gorm.DB
	keep   time.Duration
	logger zerolog.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// NewRetention validates the schedule and returns a stopped pruner. days
// of 0 disables pruning.
func NewRetention(db *gorm.DB, schedule string, days int, logger zerolog.Logger) (*Retention, error) {
	r := &Retention{
		db:     db,
		keep:   time.Duration(days) * 24 * time.Hour,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
		cron:   cron.New(),
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	r.cron.Schedule(sched, cron.FuncJob(r.RunOnce))

	return r, nil
}

// Start runs the schedule in the background
func (r *Retention) Start() {
	if r.keep <= 0 {
		r.logger.Info().Msg("Auth event retention disabled")
		return
	}
	r.cron.Start()
	r.logger.Info().Dur("keep", r.keep).Msg("Auth event retention scheduled")
}

// Stop halts the schedule and waits for a running prune to finish
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce deletes events older than the retention window
func (r *Retention) RunOnce() {
	if r.keep <= 0 {
		return
	}

	cutoff := r.now().Add(-r.keep)
	removed, err := models.PruneAuthEvents(r.db, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Time("cutoff", cutoff).Msg("Failed to prune auth events")
		return
	}

	r.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned auth events")
}
