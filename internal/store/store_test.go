package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fare-scraper/internal/models"
	"fare-scraper/internal/store"
	"fare-scraper/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func price(v float64) *float64 { return &v }

func journey(routeID uint, id, date string) *models.Journey {
	dep, _ := time.Parse(time.RFC3339, date+"T10:00:00Z")
	return &models.Journey{
		RouteID:         routeID,
		ObiletJourneyID: id,
		CompanyName:     "Metro",
		DepartureTime:   dep,
		DepartureDate:   date,
		InternetPrice:   price(450),
		Currency:        "TRY",
		AvailableSeats:  12,
		ScrapedAt:       time.Now().UTC(),
	}
}

func TestJourneyLifecycle(t *testing.T) {
	ctx := context.Background()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 349, 356, "Istanbul - Ankara")

	j := journey(route.ID, "J-1", "2024-01-02")
	require.NoError(t, s.UpsertJourney(ctx, j))
	require.NotZero(t, j.ID)

	j.InternetPrice = price(400)
	require.NoError(t, s.UpsertJourney(ctx, j))

	got, err := s.JourneysForRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 400, *got[0].InternetPrice, 1e-9)

	require.NoError(t, s.DeleteJourney(ctx, &got[0]))
	got, err = s.JourneysForRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteJourneysBefore(t *testing.T) {
	ctx := context.Background()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 1, 2, "")

	require.NoError(t, s.UpsertJourney(ctx, journey(route.ID, "old", "2024-01-01")))
	require.NoError(t, s.UpsertJourney(ctx, journey(route.ID, "today", "2024-01-02")))
	require.NoError(t, s.UpsertJourney(ctx, journey(route.ID, "tomorrow", "2024-01-03")))

	n, err := s.DeleteJourneysBefore(ctx, "2024-01-02")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := s.JourneysForRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 1, 2, "")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Store) error {
		require.NoError(t, tx.UpsertJourney(ctx, journey(route.ID, "J-1", "2024-01-02")))
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.ErrorIs(t, err, boom)

	left, err := s.JourneysForRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSubscribersAndAdmins(t *testing.T) {
	ctx := context.Background()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 1, 2, "")
	other := storetest.SeedRoute(t, db, 3, 4, "")

	a := storetest.SeedSubscriber(t, db, route, "Kamil Koc", "111")
	storetest.SeedSubscriber(t, db, other, "Pamukkale", "")
	storetest.SeedAdmin(t, db, "ops@example.com")

	subs, err := s.Subscribers(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, a.ID, subs[0].ID)

	// deactivate the link; the zero value is skipped by Create defaults so update explicitly
	require.NoError(t, db.Model(&models.CompanyRoute{}).Where("user_id = ?", a.ID).Update("is_active", false).Error)
	subs, err = s.Subscribers(ctx, route.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	admins, err := s.Admins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "ops@example.com", admins[0].Email)
}

func TestPriceHistory(t *testing.T) {
	ctx := context.Background()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 1, 2, "")

	old := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertPriceHistory(ctx, []models.PriceHistory{
		{RouteID: route.ID, CompanyName: "Metro", Price: price(450), DepartureDate: "2023-11-01", RecordedAt: old},
		{RouteID: route.ID, CompanyName: "Metro", Price: price(430), DepartureDate: "2024-01-02", RecordedAt: now},
	}))
	require.NoError(t, s.InsertPriceHistory(ctx, nil))

	rows, err := s.PriceHistoryForRoute(ctx, route.ID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-01-02", rows[0].DepartureDate)

	n, err := s.DeletePriceHistoryBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAlertSent(t *testing.T) {
	ctx := context.Background()
	s, db := storetest.NewStore(t)
	route := storetest.SeedRoute(t, db, 1, 2, "")
	u := storetest.SeedSubscriber(t, db, route, "Metro", "")

	a := &models.PriceAlert{UserID: u.ID, RouteID: route.ID, AlertType: models.AlertPriceDrop, Title: "t", Message: "m"}
	require.NoError(t, s.CreateAlert(ctx, a))
	at := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkAlertSent(ctx, a.ID, at))

	var got models.PriceAlert
	require.NoError(t, db.First(&got, a.ID).Error)
	assert.True(t, got.IsSent)
	require.NotNil(t, got.SentAt)
}
