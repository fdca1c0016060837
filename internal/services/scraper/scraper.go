// Package scraper runs the fetch, filter, reconcile and alert pipeline over
// every active route.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/metrics"
	"fare-scraper/internal/models"
	"fare-scraper/internal/notify"
	"fare-scraper/internal/services/monitor"
	"fare-scraper/internal/services/obilet"
	"fare-scraper/internal/store"

	"github.com/google/uuid"
)

// ErrRunInProgress is returned when another run holds this process or the run lock.
var ErrRunInProgress = errors.New("a scraper run is already in progress")

// summaries list at most this many failed routes
const maxFailedRoutesInSummary = 10

// summaries carry a block warning above this rate
const summaryBlockWarnRate = 5.0

// Config tunes a Scraper.
type Config struct {
	MaxWorkers           int
	MaxRetries           int
	RetryBaseDelay       time.Duration
	HistoryRetentionDays int
	// PreserveOnEmpty keeps a route's listings when a successful fetch leaves
	// nothing for the target date, instead of deleting them all.
	PreserveOnEmpty bool
	Location        *time.Location
}

// RunLocker guards a run across processes. TryAcquire returns a release
// func, or an error when the key is held elsewhere.
type RunLocker interface {
	TryAcquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// RunOptions selects the day and cleanup for one run.
type RunOptions struct {
	// TargetDate defaults to today in the configured location.
	TargetDate time.Time
	// PurgeOldSnapshots also drops price history and read notifications
	// older than the retention window.
	PurgeOldSnapshots bool
}

// RunStats is the outcome of one run, also sent as the run summary.
type RunStats struct {
	RunID            string        `json:"run_id"`
	TargetDate       string        `json:"target_date"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	TotalRoutes      int           `json:"total_routes"`
	CompletedRoutes  int           `json:"completed_routes"`
	FailedRoutes     int           `json:"failed_routes"`
	FailedRouteNames []string      `json:"failed_route_names,omitempty"`
	TotalJourneys    int           `json:"total_journeys"`
	Inserted         int           `json:"inserted"`
	Updated          int           `json:"updated"`
	Deleted          int           `json:"deleted"`
	PriceChanges     int           `json:"price_changes"`
	AlertsCreated    int           `json:"alerts_created"`
	PurgedJourneys   int64         `json:"purged_journeys"`
	BlockRate        float64       `json:"block_rate"`
	Escalated        bool          `json:"escalated"`
}

// Scraper orchestrates runs over every active route, one run at a time.
type Scraper struct {
	cfg        Config
	store      store.Store
	retry      *RetryDriver
	monitor    *monitor.Monitor
	reconciler *Reconciler
	alerts     *AlertGenerator
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	locker     RunLocker
	log        logger.Logger
	now        func() time.Time

	mu      sync.RWMutex
	running bool
	current *RunStats
	last    *RunStats
}

// New builds a Scraper; nil monitor, notifier and logger get defaults.
func New(cfg Config, s store.Store, f Fetcher, mon *monitor.Monitor, n notify.Notifier, m *metrics.Metrics, log logger.Logger) *Scraper {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = 30
	}
	if mon == nil {
		mon = monitor.New(m, log)
	}
	if n == nil {
		n = notify.Nop{}
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Scraper{
		cfg:        cfg,
		store:      s,
		retry:      NewRetryDriver(f, cfg.MaxRetries, cfg.RetryBaseDelay, log),
		monitor:    mon,
		reconciler: NewReconciler(s, log),
		alerts:     NewAlertGenerator(s, n, m, log),
		notifier:   n,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// SetLocker enables the cross-process run lock.
func (s *Scraper) SetLocker(l RunLocker) { s.locker = l }

// Running reports whether a run is in flight in this process.
func (s *Scraper) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns the in-flight run, if any, and the last finished one.
func (s *Scraper) Status() (current, last *RunStats) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil {
		c := *s.current
		current = &c
	}
	if s.last != nil {
		l := *s.last
		last = &l
	}
	return current, last
}

// BlockStats snapshots the block monitor.
func (s *Scraper) BlockStats() monitor.Stats { return s.monitor.Stats() }

// Today is the current calendar day in the configured location.
func (s *Scraper) Today() time.Time {
	t := s.now().In(s.cfg.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.cfg.Location)
}

// Run performs one full pass over every active route. Route failures are
// counted, never returned; an error means the run could not start or could
// not list routes.
func (s *Scraper) Run(ctx context.Context, opts RunOptions) (*RunStats, error) {
	target := opts.TargetDate
	if target.IsZero() {
		target = s.Today()
	}
	date := CalendarDate(target)

	stats := &RunStats{RunID: uuid.NewString(), TargetDate: date, StartedAt: s.now().UTC()}
	if err := s.begin(stats); err != nil {
		return nil, err
	}
	defer s.finish(stats)

	if s.locker != nil {
		release, err := s.locker.TryAcquire(ctx, "fare-scraper:run:"+date)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRunInProgress, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("Run lock release failed", logger.Error(err))
			}
		}()
	}

	log := s.log.With(logger.String("run_id", stats.RunID), logger.String("date", date))
	log.Info("Scraper run started", logger.Bool("purge_old_snapshots", opts.PurgeOldSnapshots))

	if opts.PurgeOldSnapshots {
		s.cleanupOldData(ctx, log)
	}

	purged, err := s.store.DeleteJourneysBefore(ctx, date)
	if err != nil {
		log.Error("Purging past journeys failed", logger.Error(err))
	}
	stats.PurgedJourneys = purged

	routes, err := s.store.ActiveRoutes(ctx)
	if err != nil {
		s.complete(ctx, log, stats)
		return stats, fmt.Errorf("list routes: %w", err)
	}
	stats.TotalRoutes = len(routes)
	s.publish(stats)

	if len(routes) > 0 {
		s.processRoutes(ctx, log, routes, date, stats)
	} else {
		log.Warn("No active routes")
	}

	s.complete(ctx, log, stats)
	return stats, nil
}

func (s *Scraper) begin(stats *RunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.running = true
	c := *stats
	s.current = &c
	return nil
}

func (s *Scraper) publish(stats *RunStats) {
	s.mu.Lock()
	c := *stats
	c.FailedRouteNames = append([]string(nil), stats.FailedRouteNames...)
	s.current = &c
	s.mu.Unlock()
}

func (s *Scraper) finish(stats *RunStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.current = nil
	if stats.Duration > 0 {
		l := *stats
		s.last = &l
	}
}

// processRoutes feeds every route to the worker pool and consumes results
// here, one at a time, so the buffer and counters need no lock.
func (s *Scraper) processRoutes(ctx context.Context, log logger.Logger, routes []models.Route, date string, stats *RunStats) {
	pool := NewRouteWorkerPool(ctx, s.cfg.MaxWorkers, s.fetchRoute, log)
	go func() {
		defer pool.Close()
		for _, r := range routes {
			if err := pool.Submit(ctx, RouteTask{Route: r, Date: date}); err != nil {
				log.Error("Submitting route failed", logger.Uint("route_id", r.ID), logger.Error(err))
				return
			}
		}
	}()

	journeyBuffer := make(map[uint][]obilet.Journey, len(routes))
	handled := make(map[uint]bool, len(routes))
	for res := range pool.Results() {
		handled[res.Route.ID] = true
		s.handleResult(ctx, log, res, date, stats, journeyBuffer)
		s.publish(stats)
	}

	// routes never submitted because ctx ended
	for _, r := range routes {
		if !handled[r.ID] {
			s.markFailed(stats, r)
		}
	}

	ps := pool.Stats()
	log.Info("Route pool drained",
		logger.Int64("tasks", ps.TotalTasks),
		logger.Int64("failed", ps.FailedTasks),
		logger.Duration("busy", ps.TotalDuration),
	)
}

// fetchRoute runs on a worker: fetch with retries, then filter by date.
func (s *Scraper) fetchRoute(ctx context.Context, task RouteTask) RouteResult {
	out := s.retry.FetchWithRetry(ctx, task.Route, task.Date)
	res := RouteResult{Route: task.Route, Outcome: out, Fetched: len(out.Journeys)}
	if out.Status == OutcomeSuccess {
		target, _ := time.Parse(dateLayout, task.Date)
		res.Journeys = FilterByDate(out.Journeys, target)
	}
	return res
}

func (s *Scraper) handleResult(ctx context.Context, log logger.Logger, res RouteResult, date string, stats *RunStats, buffer map[uint][]obilet.Journey) {
	route := res.Route
	rlog := log.With(logger.Uint("route_id", route.ID), logger.String("route", route.DisplayName()))

	// a panic after the sync commits still counts the route as completed
	committed := false
	defer func() {
		if r := recover(); r != nil {
			rlog.Error("Route processing panicked", logger.Any("panic", r), logger.Bool("committed", committed))
			if committed {
				stats.CompletedRoutes++
				return
			}
			s.markFailed(stats, route)
		}
	}()

	s.metrics.ObserveRouteOutcome(res.Outcome.Status.String())
	if !res.Outcome.OK() {
		rlog.Warn("Route skipped, previous data kept",
			logger.Int("attempts", res.Outcome.Attempts),
			logger.Error(res.Outcome.Err),
		)
		s.markFailed(stats, route)
		return
	}

	kept := res.Journeys
	buffer[route.ID] = kept
	if res.Fetched > len(kept) {
		rlog.Debug("Dropped listings outside the target date", logger.Int("dropped", res.Fetched-len(kept)))
	}

	if len(kept) == 0 && s.cfg.PreserveOnEmpty {
		rlog.Info("Nothing left for the target date, keeping stored journeys")
		stats.CompletedRoutes++
		return
	}

	synced, err := s.reconciler.Sync(ctx, route.ID, kept)
	if err != nil {
		rlog.Error("Route sync failed", logger.Error(err))
		s.metrics.ObserveRouteOutcome("sync_error")
		s.markFailed(stats, route)
		return
	}
	committed = true
	s.metrics.ObserveSync(synced.Inserted, synced.Updated, synced.Deleted)
	stats.TotalJourneys += len(kept)
	stats.Inserted += synced.Inserted
	stats.Updated += synced.Updated
	stats.Deleted += synced.Deleted
	stats.PriceChanges += len(synced.PriceChanges)

	alerts, err := s.alerts.Generate(ctx, route, synced, date, synced.FirstRun)
	if err != nil {
		rlog.Error("Alert generation failed", logger.Error(err))
	}
	stats.AlertsCreated += len(alerts)

	if err := s.store.InsertPriceHistory(ctx, s.priceHistory(route.ID, buffer[route.ID], date)); err != nil {
		rlog.Error("Price history insert failed", logger.Error(err))
	}

	stats.CompletedRoutes++
}

func (s *Scraper) markFailed(stats *RunStats, route models.Route) {
	stats.FailedRoutes++
	stats.FailedRouteNames = append(stats.FailedRouteNames, route.DisplayName())
}

func (s *Scraper) priceHistory(routeID uint, kept []obilet.Journey, date string) []models.PriceHistory {
	now := s.now().UTC()
	target, _ := time.ParseInLocation(dateLayout, date, s.cfg.Location)
	daysBefore := int(target.Sub(s.Today()).Hours() / 24)

	rows := make([]models.PriceHistory, 0, len(kept))
	for _, j := range kept {
		currency := j.Journey.Currency
		if currency == "" {
			currency = "TRY"
		}
		company := j.PartnerName
		if company == "" {
			company = "Unknown"
		}
		rows = append(rows, models.PriceHistory{
			RouteID:             routeID,
			CompanyName:         company,
			ObiletPartnerID:     j.PartnerID,
			ObiletJourneyID:     j.ID.String(),
			Price:               j.Price(),
			Currency:            currency,
			DepartureDate:       date,
			DaysBeforeDeparture: daysBefore,
			AvailableSeats:      j.Seats(),
			TotalSeats:          j.TotalSeats,
			OccupancyRate:       Occupancy(j.TotalSeats, j.Seats()),
			RecordedAt:          now,
		})
	}
	return rows
}

func (s *Scraper) cleanupOldData(ctx context.Context, log logger.Logger) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.HistoryRetentionDays)

	history, err := s.store.DeletePriceHistoryBefore(ctx, cutoff)
	if err != nil {
		log.Error("Price history cleanup failed", logger.Error(err))
	}
	notifications, err := s.store.DeleteReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		log.Error("Notification cleanup failed", logger.Error(err))
	}
	log.Info("Old data cleaned up",
		logger.Int64("price_history", history),
		logger.Int64("notifications", notifications),
		logger.Int("retention_days", s.cfg.HistoryRetentionDays),
	)
}

// complete escalates a high block rate, then always sends the summary. It
// outlives a cancelled run context so shutdown still reports.
func (s *Scraper) complete(ctx context.Context, log logger.Logger, stats *RunStats) {
	ctx = context.WithoutCancel(ctx)
	block := s.monitor.Stats()
	stats.BlockRate = block.BlockRate()
	stats.Duration = s.now().UTC().Sub(stats.StartedAt)
	if stats.Duration <= 0 {
		stats.Duration = time.Nanosecond
	}

	if block.ShouldEscalate() {
		stats.Escalated = true
		s.escalate(ctx, log, block)
	}

	if _, err := s.notifier.Send(ctx, notify.Message{
		Kind:     notify.KindRunSummary,
		Text:     RenderSummary(stats, block),
		Operator: true,
		Payload:  stats,
	}); err != nil {
		log.Warn("Run summary delivery failed", logger.Error(err))
	}

	s.metrics.ObserveRun(stats.Duration, stats.BlockRate)
	log.Info("Scraper run finished",
		logger.Int("routes", stats.TotalRoutes),
		logger.Int("completed", stats.CompletedRoutes),
		logger.Int("failed", stats.FailedRoutes),
		logger.Int("inserted", stats.Inserted),
		logger.Int("updated", stats.Updated),
		logger.Int("deleted", stats.Deleted),
		logger.Int("price_changes", stats.PriceChanges),
		logger.Float64("block_rate", stats.BlockRate),
		logger.Duration("duration", stats.Duration),
	)
}

func (s *Scraper) escalate(ctx context.Context, log logger.Logger, block monitor.Stats) {
	text := RenderBanAlert(block)
	log.Warn("Block rate above threshold, alerting operators",
		logger.Float64("block_rate", block.BlockRate()),
		logger.Int64("rate_limited", block.RateLimited),
	)

	admins, err := s.store.Admins(ctx)
	if err != nil {
		log.Error("Loading admins failed", logger.Error(err))
	}
	for _, a := range admins {
		err := s.store.CreateNotification(ctx, &models.Notification{
			UserID:           a.ID,
			Title:            "Scraper is being blocked",
			Message:          fmt.Sprintf("Block rate %.1f%%, %d rate-limited responses", block.BlockRate(), block.RateLimited),
			NotificationType: notify.KindBanAlert,
			Priority:         models.PriorityHigh,
		})
		if err != nil {
			log.Error("Ban notification insert failed", logger.Uint("user_id", a.ID), logger.Error(err))
		}
	}

	if _, err := s.notifier.Send(ctx, notify.Message{
		Kind:     notify.KindBanAlert,
		Text:     text,
		Operator: true,
		Payload:  block,
	}); err != nil {
		log.Warn("Ban alert delivery failed", logger.Error(err))
	}
}

// RenderBanAlert formats the operator message for a high block rate.
func RenderBanAlert(block monitor.Stats) string {
	var b strings.Builder
	b.WriteString("<b>Upstream is blocking the scraper</b>\n")
	fmt.Fprintf(&b, "Requests: %d\n", block.TotalRequests)
	fmt.Fprintf(&b, "Blocked: %d (%.1f%%)\n", block.BlockedRequests, block.BlockRate())
	fmt.Fprintf(&b, "Rate limited: %d\n", block.RateLimited)
	fmt.Fprintf(&b, "Failed: %d\n", block.FailedRequests)
	b.WriteString("Check the proxy account and lower MAX_WORKERS or RATE_LIMIT_RPS.")
	return b.String()
}

// RenderSummary formats the end-of-run operator message.
func RenderSummary(stats *RunStats, block monitor.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Scraper run %s</b>\n", stats.TargetDate)
	fmt.Fprintf(&b, "Routes: %d/%d ok, %d failed\n", stats.CompletedRoutes, stats.TotalRoutes, stats.FailedRoutes)
	fmt.Fprintf(&b, "Journeys: %d\n", stats.TotalJourneys)
	fmt.Fprintf(&b, "Inserted: %d, updated: %d, deleted: %d\n", stats.Inserted, stats.Updated, stats.Deleted)
	fmt.Fprintf(&b, "Price changes: %d, alerts: %d\n", stats.PriceChanges, stats.AlertsCreated)
	fmt.Fprintf(&b, "Block rate: %.1f%% (%d/%d)\n", block.BlockRate(), block.BlockedRequests, block.TotalRequests)
	fmt.Fprintf(&b, "Duration: %s", stats.Duration.Round(time.Second))

	if len(stats.FailedRouteNames) > 0 {
		b.WriteString("\n\n<b>Failed routes</b>")
		for i, name := range stats.FailedRouteNames {
			if i == maxFailedRoutesInSummary {
				fmt.Fprintf(&b, "\n... and %d more", len(stats.FailedRouteNames)-maxFailedRoutesInSummary)
				break
			}
			b.WriteString("\n- " + html.EscapeString(name))
		}
	}
	if block.BlockRate() > summaryBlockWarnRate {
		fmt.Fprintf(&b, "\n\nWarning: %.1f%% of requests were blocked", block.BlockRate())
	}
	return b.String()
}
