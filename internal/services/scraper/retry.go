package scraper

import (
	"context"
	"fmt"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/models"
	"fare-scraper/internal/services/obilet"
)

// Fetcher is the single-request upstream call; *obilet.Client implements it.
type Fetcher interface {
	FetchJourneys(ctx context.Context, originID, destinationID int, date string) ([]obilet.Journey, error)
}

// OutcomeStatus classifies a FetchWithRetry result.
type OutcomeStatus int

const (
	OutcomeFailure OutcomeStatus = iota
	OutcomeSuccess
	OutcomeEmpty
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	default:
		return "failure"
	}
}

// Outcome is the result of fetching one route with retries. Journeys is only
// set for OutcomeSuccess; Err only for OutcomeFailure.
type Outcome struct {
	Status   OutcomeStatus
	Journeys []obilet.Journey
	Attempts int
	Err      error
}

func (o Outcome) OK() bool { return o.Status != OutcomeFailure }

// RetryDriver fetches a route with exponential backoff between attempts.
type RetryDriver struct {
	fetcher    Fetcher
	maxRetries int
	baseDelay  time.Duration
	log        logger.Logger

	// sleep waits d or until ctx is done; swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryDriver allows at least one attempt and defaults baseDelay to 1s.
func NewRetryDriver(f Fetcher, maxRetries int, baseDelay time.Duration, log logger.Logger) *RetryDriver {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RetryDriver{
		fetcher:    f,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		log:        log,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MaxBackoff caps a single wait between attempts.
const MaxBackoff = 7 * 24 * time.Hour

// Backoff is the wait after failed attempt n (0-based): 2^n units, capped
// at MaxBackoff.
func (d *RetryDriver) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 || time.Duration(1)<<uint(attempt) > MaxBackoff/d.baseDelay {
		return MaxBackoff
	}
	return d.baseDelay << uint(attempt)
}

// FetchWithRetry calls the fetcher up to maxRetries times. The first
// success wins; an empty listing is OutcomeEmpty. Panics inside the fetcher
// count as a failed attempt.
func (d *RetryDriver) FetchWithRetry(ctx context.Context, route models.Route, date string) Outcome {
	log := d.log.With(logger.Uint("route_id", route.ID), logger.String("date", date))

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		journeys, err := d.attempt(ctx, route, date)
		if err == nil {
			if len(journeys) == 0 {
				return Outcome{Status: OutcomeEmpty, Attempts: attempt + 1}
			}
			return Outcome{Status: OutcomeSuccess, Journeys: journeys, Attempts: attempt + 1}
		}

		lastErr = err
		if attempt == d.maxRetries-1 {
			break
		}

		wait := d.Backoff(attempt)
		log.Warn("Fetch attempt failed, backing off",
			logger.Int("attempt", attempt+1),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
		if err := d.sleep(ctx, wait); err != nil {
			return Outcome{Status: OutcomeFailure, Attempts: attempt + 1, Err: fmt.Errorf("%w (last error: %w)", err, lastErr)}
		}
	}

	log.Error("Route fetch gave up", logger.Int("attempts", d.maxRetries), logger.Error(lastErr))
	return Outcome{Status: OutcomeFailure, Attempts: d.maxRetries, Err: lastErr}
}

func (d *RetryDriver) attempt(ctx context.Context, route models.Route, date string) (journeys []obilet.Journey, err error) {
	defer func() {
		if r := recover(); r != nil {
			journeys = nil
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return d.fetcher.FetchJourneys(ctx, route.OriginObiletID, route.DestinationObiletID, date)
}
