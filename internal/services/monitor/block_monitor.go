// Package monitor tracks how often the upstream proxy blocks or throttles us.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/metrics"
)

const (
	// escalate when more than this share of requests is blocked
	escalateBlockRate = 20.0
	// or when more than this many 429s were seen
	escalateRateLimited = 5
)

var blockKeywords = []string{"blocked", "banned", "captcha", "rate limit"}

// Stats are the process-wide upstream counters.
type Stats struct {
	TotalRequests   int64 `json:"total_requests"`
	FailedRequests  int64 `json:"failed_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
	RateLimited     int64 `json:"rate_limited"`
}

// BlockRate is blocked/total in percent, 0 when nothing was recorded.
func (s Stats) BlockRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.BlockedRequests) / float64(s.TotalRequests) * 100
}

// ShouldEscalate reports a block rate above the operator alert threshold.
func (s Stats) ShouldEscalate() bool {
	return s.BlockRate() > escalateBlockRate || s.RateLimited > escalateRateLimited
}

// Classification is the verdict for a single upstream response.
type Classification struct {
	Failed      bool
	Blocked     bool
	RateLimited bool
}

// Classify inspects one response. 403, 422 (proxy error) and 429 are always
// blocks; otherwise a JSON body whose "error" mentions a ban keyword is.
func Classify(status int, body []byte) Classification {
	c := Classification{
		Failed:      status != http.StatusOK,
		RateLimited: status == http.StatusTooManyRequests,
	}
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusUnprocessableEntity:
		c.Blocked = true
		return c
	}
	c.Blocked = bodyLooksBlocked(body)
	return c
}

func bodyLooksBlocked(body []byte) bool {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	raw, ok := payload["error"]
	if !ok {
		return false
	}
	msg := strings.ToLower(fmt.Sprint(raw))
	for _, kw := range blockKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Monitor classifies upstream responses and keeps running block counters.
type Monitor struct {
	mu      sync.Mutex
	stats   Stats
	metrics *metrics.Metrics
	log     logger.Logger
}

// New returns a Monitor; m may be nil.
func New(m *metrics.Metrics, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Monitor{metrics: m, log: log}
}

// Record classifies a response and folds it into the counters.
func (m *Monitor) Record(status int, body []byte) Classification {
	c := Classify(status, body)

	m.mu.Lock()
	m.stats.TotalRequests++
	if c.Failed {
		m.stats.FailedRequests++
	}
	if c.Blocked {
		m.stats.BlockedRequests++
	}
	if c.RateLimited {
		m.stats.RateLimited++
	}
	m.mu.Unlock()

	if c.Blocked {
		m.log.Warn("Blocked upstream response", logger.Int("status", status))
	}
	m.metrics.ObserveResponse(status, c.Blocked, c.RateLimited)
	return c
}

// Stats returns a copy of the counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) BlockRate() float64 { return m.Stats().BlockRate() }

func (m *Monitor) ShouldEscalate() bool { return m.Stats().ShouldEscalate() }
