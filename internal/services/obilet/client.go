// Package obilet fetches journey listings from obilet.com through the
// ScrapingBee proxy API.
package obilet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/services/monitor"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

var (
	ErrTransport = errors.New("upstream transport error")
	ErrStatus    = errors.New("upstream returned non-200 status")
	ErrBlocked   = errors.New("upstream blocked the request")
	ErrParse     = errors.New("malformed upstream response")
)

// FetchError is returned for every failed fetch. Kind is one of the
// sentinels above so callers can match with errors.Is.
type FetchError struct {
	Kind   error
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Config holds the proxy credentials and the upstream endpoint.
type Config struct {
	APIKey         string
	ProxyURL       string // ScrapingBee endpoint
	BaseURL        string // obilet.com origin
	Timeout        time.Duration
	RequestsPerSec float64
	UserAgent      string
}

// proxyTimeoutMillis is how long ScrapingBee may spend on obilet; the client
// timeout must stay above it.
const proxyTimeoutMillis = "60000"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client fetches journey listings through the ScrapingBee proxy.
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	monitor *monitor.Monitor
	log     logger.Logger
}

// NewClient builds a rate limited resty client; mon records every response.
func NewClient(cfg Config, mon *monitor.Monitor, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 70 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log == nil {
		log = logger.NewNop()
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
		burst = max(1, int(cfg.RequestsPerSec))
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)

	return &Client{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		monitor: mon,
		log:     log,
	}
}

// JourneysURL is the obilet JSON endpoint for one route and day.
func (c *Client) JourneysURL(originID, destinationID int, date string) string {
	return fmt.Sprintf("%s/json/journeys/%d-%d/%s", c.cfg.BaseURL, originID, destinationID, date)
}

// FetchJourneys makes exactly one upstream request. An empty listing is a
// success and comes back as a non-nil empty slice.
func (c *Client) FetchJourneys(ctx context.Context, originID, destinationID int, date string) ([]Journey, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Kind: ErrTransport, Err: err}
	}

	target := c.JourneysURL(originID, destinationID, date)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"api_key":         c.cfg.APIKey,
			"url":             target,
			"country_code":    "tr",
			"render_js":       "false",
			"premium_proxy":   "false",
			"forward_headers": "true",
			"timeout":         proxyTimeoutMillis,
		}).
		SetHeaders(map[string]string{
			"User-Agent": c.cfg.UserAgent,
			"Accept":     "application/json",
			"Referer":    c.cfg.BaseURL + "/",
		}).
		Post(c.cfg.ProxyURL)
	if err != nil {
		c.log.Warn("Upstream request failed",
			logger.String("url", target),
			logger.Error(err),
		)
		return nil, &FetchError{Kind: ErrTransport, Err: err}
	}

	status := resp.StatusCode()
	body := resp.Body()
	var verdict monitor.Classification
	if c.monitor != nil {
		verdict = c.monitor.Record(status, body)
	} else {
		verdict = monitor.Classify(status, body)
	}

	if status != http.StatusOK {
		kind := ErrStatus
		if verdict.Blocked {
			kind = ErrBlocked
		}
		return nil, &FetchError{Kind: kind, Status: status}
	}
	if verdict.Blocked {
		return nil, &FetchError{Kind: ErrBlocked, Status: status}
	}

	var payload JourneysResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &FetchError{Kind: ErrParse, Status: status, Err: err}
	}
	if payload.Journeys == nil {
		payload.Journeys = []Journey{}
	}

	c.log.Debug("Fetched journeys",
		logger.String("url", target),
		logger.Int("count", len(payload.Journeys)),
	)
	return payload.Journeys, nil
}
