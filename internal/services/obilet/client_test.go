package obilet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fare-scraper/internal/services/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `{
  "journeys": [
    {
      "id": 7001,
      "partner-id": 42,
      "partner-name": "Metro Turizm",
      "bus-type": "2+1",
      "total-seats": 40,
      "available-seats": 10,
      "partner-rating": 4.2,
      "features": ["Wi-Fi", "USB", "Kişisel Ekran"],
      "journey": {
        "origin": "Istanbul",
        "destination": "Ankara",
        "departure": "2024-01-02T10:00:00",
        "arrival": "2024-01-02T16:30:00",
        "original-price": 500,
        "internet-price": 450.5,
        "currency": "TRY",
        "bus-name": "Travego",
        "peron-no": "12",
        "stops": [{"name": "Esenler", "time": "10:00", "is-origin": true, "is-destination": false}]
      }
    },
    {"id": "abc-2", "partner-name": "Kamil Koc", "features": {"Priz": true, "TV": false}, "journey": {"departure": "2024-01-02T12:00:00", "original-price": 300}}
  ]
}`

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *monitor.Monitor) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	mon := monitor.New(nil, nil)
	c := NewClient(Config{
		APIKey:   "key",
		ProxyURL: srv.URL,
		BaseURL:  "https://www.obilet.com",
		Timeout:  5 * time.Second,
	}, mon, nil)
	return c, mon
}

func TestFetchJourneys(t *testing.T) {
	var gotQuery map[string]string
	c, mon := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleBody))
	})

	journeys, err := c.FetchJourneys(context.Background(), 349, 356, "2024-01-02")
	require.NoError(t, err)
	require.Len(t, journeys, 2)

	assert.Equal(t, "https://www.obilet.com/json/journeys/349-356/2024-01-02", gotQuery["url"])
	assert.Equal(t, "key", gotQuery["api_key"])
	assert.Equal(t, "tr", gotQuery["country_code"])
	assert.Equal(t, "60000", gotQuery["timeout"])

	first := journeys[0]
	assert.Equal(t, ListingID("7001"), first.ID)
	assert.Equal(t, "Metro Turizm", first.PartnerName)
	require.NotNil(t, first.PartnerID)
	assert.Equal(t, 42, *first.PartnerID)
	assert.InDelta(t, 450.5, *first.Price(), 1e-9)
	assert.Equal(t, 10, first.Seats())
	assert.Equal(t, Amenities{Wifi: true, USB: true, TV: true}, first.Amenities())
	require.Len(t, first.Journey.Stops, 1)
	assert.True(t, first.Journey.Stops[0].IsOrigin)

	second := journeys[1]
	assert.Equal(t, ListingID("abc-2"), second.ID)
	assert.Nil(t, second.Price())
	assert.InDelta(t, 300, *second.Journey.OriginalPrice, 1e-9)
	assert.Zero(t, second.Seats())
	assert.Equal(t, Amenities{Socket: true}, second.Amenities())

	assert.EqualValues(t, 1, mon.Stats().TotalRequests)
	assert.Zero(t, mon.Stats().BlockedRequests)
}

func TestFetchJourneysEmpty(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"journeys": []}`))
	})

	journeys, err := c.FetchJourneys(context.Background(), 1, 2, "2024-01-02")
	require.NoError(t, err)
	assert.NotNil(t, journeys)
	assert.Empty(t, journeys)
}

func TestFetchJourneysMissingArray(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	journeys, err := c.FetchJourneys(context.Background(), 1, 2, "2024-01-02")
	require.NoError(t, err)
	assert.NotNil(t, journeys)
}

func TestFetchJourneysFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    error
		blocked int64
	}{
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrBlocked, 1},
		{"forbidden", http.StatusForbidden, ``, ErrBlocked, 1},
		{"server error", http.StatusInternalServerError, `oops`, ErrStatus, 0},
		{"captcha in body", http.StatusOK, `{"error":"captcha required"}`, ErrBlocked, 1},
		{"malformed", http.StatusOK, `{"journeys": [`, ErrParse, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mon := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			journeys, err := c.FetchJourneys(context.Background(), 1, 2, "2024-01-02")
			require.Error(t, err)
			assert.Nil(t, journeys)
			assert.ErrorIs(t, err, tt.kind)

			var fe *FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.status, fe.Status)
			assert.Equal(t, tt.blocked, mon.Stats().BlockedRequests)
		})
	}
}

func TestFetchJourneysTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	mon := monitor.New(nil, nil)
	c := NewClient(Config{ProxyURL: url, BaseURL: "https://www.obilet.com", Timeout: time.Second}, mon, nil)

	_, err := c.FetchJourneys(context.Background(), 1, 2, "2024-01-02")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Zero(t, mon.Stats().TotalRequests)
}

func TestListingIDUnmarshal(t *testing.T) {
	var v struct {
		ID ListingID `json:"id"`
	}
	for raw, want := range map[string]ListingID{
		`{"id": 12345678901}`: "12345678901",
		`{"id": " x-1 "}`:     "x-1",
		`{"id": null}`:        "",
		`{}`:                  "",
	} {
		v.ID = ""
		require.NoError(t, json.Unmarshal([]byte(raw), &v), raw)
		assert.Equal(t, want, v.ID, raw)
	}
}
