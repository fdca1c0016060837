package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/models"
	"fare-scraper/internal/services/obilet"
)

// RouteTask is one route to fetch for a date.
type RouteTask struct {
	Route models.Route
	Date  string
}

// RouteResult is what a worker hands back to the consumer. Journeys holds
// the date-filtered listings and is only meaningful when Outcome.OK().
type RouteResult struct {
	Route    models.Route
	Outcome  Outcome
	Journeys []obilet.Journey
	Fetched  int
	Duration time.Duration
	WorkerID int
}

// PoolStats tracks statistics for the worker pool
type PoolStats struct {
	TotalTasks    int64
	SuccessTasks  int64
	FailedTasks   int64
	TotalDuration time.Duration
}

// RouteHandler processes one task on a worker goroutine.
type RouteHandler func(ctx context.Context, task RouteTask) RouteResult

// RouteWorkerPool runs a fixed number of workers over a task queue. Results
// come back on a single channel in completion order.
type RouteWorkerPool struct {
	taskQueue   chan RouteTask
	resultQueue chan RouteResult
	wg          sync.WaitGroup
	closeOnce   sync.Once
	numWorkers  int
	handle      RouteHandler
	log         logger.Logger
	stats       PoolStats
	statsMu     sync.RWMutex
}

// NewRouteWorkerPool starts numWorkers workers that stop with ctx or Close.
func NewRouteWorkerPool(ctx context.Context, numWorkers int, handle RouteHandler, log logger.Logger) *RouteWorkerPool {
	if numWorkers <= 0 {
		numWorkers = 5
	}
	if log == nil {
		log = logger.NewNop()
	}

	pool := &RouteWorkerPool{
		taskQueue:   make(chan RouteTask, numWorkers*2),
		resultQueue: make(chan RouteResult, numWorkers*2),
		numWorkers:  numWorkers,
		handle:      handle,
		log:         log,
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.workerLoop(ctx, i)
	}
	log.Debug("Route worker pool started", logger.Int("workers", numWorkers))
	return pool
}

func (p *RouteWorkerPool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.resultQueue <- p.processTask(ctx, id, task)
	}
}

func (p *RouteWorkerPool) processTask(ctx context.Context, workerID int, task RouteTask) (res RouteResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Route worker panicked",
				logger.Uint("route_id", task.Route.ID),
				logger.Any("panic", r),
			)
			res = RouteResult{
				Route:   task.Route,
				Outcome: Outcome{Status: OutcomeFailure, Err: fmt.Errorf("route %d panicked: %v", task.Route.ID, r)},
			}
		}
		res.Duration = time.Since(start)
		res.WorkerID = workerID

		p.statsMu.Lock()
		p.stats.TotalTasks++
		if res.Outcome.OK() {
			p.stats.SuccessTasks++
		} else {
			p.stats.FailedTasks++
		}
		p.stats.TotalDuration += res.Duration
		p.statsMu.Unlock()
	}()

	return p.handle(ctx, task)
}

// Submit queues a task. It blocks while the queue is full.
func (p *RouteWorkerPool) Submit(ctx context.Context, task RouteTask) error {
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit route %d: %w", task.Route.ID, ctx.Err())
	}
}

// Results is closed once Close was called and every queued task finished.
func (p *RouteWorkerPool) Results() <-chan RouteResult {
	return p.resultQueue
}

// Close stops accepting tasks; workers drain what is queued and exit.
func (p *RouteWorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.taskQueue)
		go func() {
			p.wg.Wait()
			close(p.resultQueue)
		}()
	})
}

// Stats returns a snapshot of the pool counters.
func (p *RouteWorkerPool) Stats() PoolStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}
