// Package schedule triggers scraper runs on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/services/scraper"

	"github.com/robfig/cron/v3"
)

// Runner is the part of the scraper the scheduler drives.
type Runner interface {
	Run(ctx context.Context, opts scraper.RunOptions) (*scraper.RunStats, error)
}

// Scheduler runs the scraper for the current day on every tick. The first
// tick of each local day also purges old snapshots.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	runner Runner
	loc    *time.Location
	log    logger.Logger
	ctx    context.Context

	mu          sync.Mutex
	lastCleanup string
	entryID     cron.EntryID
}

// New returns a stopped Scheduler; runs use ctx.
func New(ctx context.Context, runner Runner, loc *time.Location, log logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.NewNop()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		runner: runner,
		loc:    loc,
		log:    log,
		ctx:    ctx,
	}
}

// Schedule registers the run on the cron expression and returns the next fire time.
func (s *Scheduler) Schedule(expr string) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	id, err := s.cron.AddFunc(expr, s.Tick)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to schedule run: %w", err)
	}
	s.entryID = id

	next := sched.Next(time.Now().In(s.loc))
	s.log.Info("Scraper run scheduled",
		logger.String("schedule", expr),
		logger.String("next_run", next.Format("2006-01-02 15:04:05")),
	)
	return next, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Tick performs one scheduled run. A run already in progress elsewhere is
// not an error.
func (s *Scheduler) Tick() {
	now := time.Now().In(s.loc)
	day := now.Format("2006-01-02")

	s.mu.Lock()
	purge := s.lastCleanup != day
	s.mu.Unlock()

	stats, err := s.runner.Run(s.ctx, scraper.RunOptions{PurgeOldSnapshots: purge})
	switch {
	case errors.Is(err, scraper.ErrRunInProgress):
		s.log.Info("Scheduled run skipped, another run is in progress")
		return
	case err != nil:
		s.log.Error("Scheduled run failed", logger.Error(err))
		return
	}

	if purge {
		s.mu.Lock()
		s.lastCleanup = day
		s.mu.Unlock()
	}
	s.log.Info("Scheduled run finished",
		logger.String("run_id", stats.RunID),
		logger.Int("failed_routes", stats.FailedRoutes),
	)
}

// cronLogger adapts the app logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) fields(keysAndValues []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, l.fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(l.fields(keysAndValues), logger.Error(err))...)
}
