package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"fare-scraper/internal/metrics"
	"fare-scraper/internal/models"
	"fare-scraper/internal/report"
	"fare-scraper/internal/services/monitor"
	"fare-scraper/internal/services/scraper"
	"fare-scraper/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	mu      sync.Mutex
	running bool
	calls   chan scraper.RunOptions
	last    *scraper.RunStats
	block   monitor.Stats
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(chan scraper.RunOptions, 1)}
}

func (r *fakeRunner) Run(ctx context.Context, opts scraper.RunOptions) (*scraper.RunStats, error) {
	r.calls <- opts
	return &scraper.RunStats{RunID: "run-1"}, nil
}

func (r *fakeRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRunner) Status() (current, last *scraper.RunStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		current = &scraper.RunStats{RunID: "busy", TargetDate: "2024-01-02"}
	}
	return current, r.last
}

func (r *fakeRunner) BlockStats() monitor.Stats { return r.block }

type fixture struct {
	router *gin.Engine
	runner *fakeRunner
	db     *gorm.DB
	route  models.Route
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 349, 356, "")
	runner := newFakeRunner()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRouteOutcome("success")

	router := NewRouter(RouterOptions{
		Options:  Options{Runner: runner, Store: s},
		Gatherer: reg,
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	return &fixture{router: router, runner: runner, db: db, route: route}
}

func (f *fixture) do(method, path string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthMetricsAndWebSocket(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fare_scraper_route_outcomes_total{outcome="success"} 1`)

	w = f.do(http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusTeapot, w.Code)

	w = f.do(http.MethodOptions, "/api/v1/runs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartRun(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/runs", `{"date":"2024-01-02","cleanup":true}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case opts := <-f.runner.calls:
		assert.True(t, opts.PurgeOldSnapshots)
		assert.Equal(t, "2024-01-02", opts.TargetDate.Format("2006-01-02"))
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}

	w = f.do(http.MethodPost, "/api/v1/runs", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	opts := <-f.runner.calls
	assert.True(t, opts.TargetDate.IsZero())
}

func TestStartRunRejected(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/runs", `{"date":"02.01.2024"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/runs", `{"date":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.runner.mu.Lock()
	f.runner.running = true
	f.runner.mu.Unlock()

	w = f.do(http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "run already in progress", decode(t, w)["error"])
	assert.Empty(t, f.runner.calls)
}

func TestRunStatusAndBlockStats(t *testing.T) {
	f := newFixture(t)
	f.runner.last = &scraper.RunStats{RunID: "prev", FailedRoutes: 2}
	f.runner.block = monitor.Stats{TotalRequests: 10, BlockedRequests: 3}

	w := f.do(http.MethodGet, "/api/v1/runs/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, false, data["running"])
	assert.Nil(t, data["current"])
	assert.Equal(t, "prev", data["last"].(map[string]interface{})["run_id"])

	w = f.do(http.MethodGet, "/api/v1/block-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.InDelta(t, 30.0, data["block_rate"], 1e-9)
	assert.Equal(t, true, data["escalate"])
}

func TestListJourneys(t *testing.T) {
	f := newFixture(t)
	price := 350.0
	require.NoError(t, f.db.Create(&models.Journey{
		RouteID: f.route.ID, ObiletJourneyID: "1", CompanyName: "Metro",
		DepartureTime: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), DepartureDate: "2024-01-02",
		InternetPrice: &price, Currency: "TRY", ScrapedAt: time.Now(),
	}).Error)

	w := f.do(http.MethodGet, "/api/v1/routes/"+itoa(f.route.ID)+"/journeys", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["count"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/routes/9999/journeys", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/routes/abc/journeys", "").Code)
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	price := 120.0
	for i := 0; i < 3; i++ {
		require.NoError(t, f.db.Create(&models.PriceHistory{
			RouteID: f.route.ID, CompanyName: "Metro", ObiletJourneyID: "1", Price: &price,
			Currency: "TRY", DepartureDate: "2024-01-02",
			RecordedAt: time.Date(2024, 1, 1, 9+i, 0, 0, 0, time.UTC),
		}).Error)
	}

	w := f.do(http.MethodGet, "/api/v1/routes/"+itoa(f.route.ID)+"/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["data"].(map[string]interface{})["count"])

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodGet, "/api/v1/routes/"+itoa(f.route.ID)+"/history?limit=-1", "").Code)

	w = f.do(http.MethodGet, "/api/v1/routes/"+itoa(f.route.ID)+"/history.xlsx", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "history.xlsx")

	book, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(report.HistorySheet)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/routes/9999/history.xlsx", "").Code)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
