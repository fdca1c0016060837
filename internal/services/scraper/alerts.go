package scraper

import (
	"context"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/metrics"
	"fare-scraper/internal/models"
	"fare-scraper/internal/notify"
	"fare-scraper/internal/store"

	"github.com/shopspring/decimal"
)

// price moves beyond this many percent are high priority
const highPriorityChangePct = 20.0

// AlertGenerator turns sync results into stored, delivered subscriber alerts.
type AlertGenerator struct {
	store    store.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      logger.Logger
	now      func() time.Time
}

// NewAlertGenerator falls back to notify.Nop when n is nil.
func NewAlertGenerator(s store.Store, n notify.Notifier, m *metrics.Metrics, log logger.Logger) *AlertGenerator {
	if n == nil {
		n = notify.Nop{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &AlertGenerator{store: s, notifier: n, metrics: m, log: log, now: time.Now}
}

// ChangePriority maps a percentage move to an alert priority.
func ChangePriority(pct float64) string {
	if math.Abs(pct) > highPriorityChangePct {
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

// LowestPrice is the minimum known price among journeys departing on date.
func LowestPrice(journeys []models.Journey, date string) *decimal.Decimal {
	var lowest *decimal.Decimal
	for _, j := range journeys {
		if j.DepartureDate != date || j.InternetPrice == nil {
			continue
		}
		p := decimal.NewFromFloat(*j.InternetPrice).Round(2)
		if lowest == nil || p.LessThan(*lowest) {
			lowest = &p
		}
	}
	return lowest
}

func isLowest(j models.Journey, lowest *decimal.Decimal) bool {
	if j.InternetPrice == nil || lowest == nil {
		return false
	}
	return decimal.NewFromFloat(*j.InternetPrice).Round(2).LessThanOrEqual(*lowest)
}

// Generate creates one alert per active subscriber for every price change
// and, unless suppressNew is set, for every new journey. Alerts and their
// inbox notifications are stored in one transaction, then delivered one by
// one. Delivery failures are logged and never undo the stored alert.
func (g *AlertGenerator) Generate(ctx context.Context, route models.Route, res *SyncResult, date string, suppressNew bool) ([]models.PriceAlert, error) {
	if res == nil || (len(res.PriceChanges) == 0 && (suppressNew || len(res.NewJourneys) == 0)) {
		return nil, nil
	}
	log := g.log.With(logger.Uint("route_id", route.ID))

	subscribers, err := g.store.Subscribers(ctx, route.ID)
	if err != nil {
		return nil, err
	}
	if len(subscribers) == 0 {
		return nil, nil
	}
	if suppressNew && len(res.NewJourneys) > 0 {
		log.Info("First sync of the day, new journey alerts suppressed", logger.Int("new_journeys", len(res.NewJourneys)))
	}

	lowest := LowestPrice(res.Current, date)
	var alerts []models.PriceAlert
	for _, user := range subscribers {
		for _, change := range res.PriceChanges {
			alerts = append(alerts, priceChangeAlert(user, route, change, date))
		}
		if suppressNew {
			continue
		}
		for _, j := range res.NewJourneys {
			alerts = append(alerts, newJourneyAlert(user, route, j, date, isLowest(j, lowest)))
		}
	}

	err = g.store.WithTx(ctx, func(tx store.Store) error {
		for i := range alerts {
			if err := tx.CreateAlert(ctx, &alerts[i]); err != nil {
				return err
			}
			if err := tx.CreateNotification(ctx, inboxEntry(alerts[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store alerts for route %d: %w", route.ID, err)
	}

	chats := make(map[uint]string, len(subscribers))
	for _, u := range subscribers {
		chats[u.ID] = u.TelegramChatID
	}
	for i := range alerts {
		g.metrics.ObserveAlert(alerts[i].AlertType)
		g.deliver(ctx, log, route, &alerts[i], chats[alerts[i].UserID])
	}

	log.Info("Alerts created", logger.Int("alerts", len(alerts)), logger.Int("subscribers", len(subscribers)))
	return alerts, nil
}

// deliver marks the alert sent only when the subscriber's own channel took
// it; broadcast listeners do not count.
func (g *AlertGenerator) deliver(ctx context.Context, log logger.Logger, route models.Route, a *models.PriceAlert, chatID string) {
	ok, err := g.notifier.Send(ctx, notify.Message{
		Kind:    notificationType(a.AlertType),
		Text:    RenderAlert(route, *a),
		ChatID:  chatID,
		UserID:  a.UserID,
		Payload: a,
	})
	if err != nil {
		log.Warn("Alert delivery failed", logger.Uint("alert_id", a.ID), logger.Error(err))
	}
	if !ok {
		return
	}

	at := g.now().UTC()
	if err := g.store.MarkAlertSent(ctx, a.ID, at); err != nil {
		log.Warn("Could not mark alert sent", logger.Uint("alert_id", a.ID), logger.Error(err))
		return
	}
	a.IsSent = true
	a.SentAt = &at
}

func priceChangeAlert(user models.User, route models.Route, c PriceChange, date string) models.PriceAlert {
	alertType := models.AlertPriceIncrease
	title := "Price increase: " + c.Journey.CompanyName
	if c.IsDrop() {
		alertType = models.AlertPriceDrop
		title = "Price drop: " + c.Journey.CompanyName
	}
	oldPrice, newPrice, pct := c.OldPrice, c.NewPrice, c.ChangePct
	dep := c.Journey.DepartureTime

	return models.PriceAlert{
		UserID:    user.ID,
		RouteID:   route.ID,
		AlertType: alertType,
		Title:     title,
		Message: fmt.Sprintf("%s %s departure changed from %.2f %s to %.2f %s (%+.1f%%)",
			c.Journey.CompanyName, clock(dep), oldPrice, currency(c.Journey), newPrice, currency(c.Journey), pct),
		CompetitorName:        c.Journey.CompanyName,
		OldPrice:              &oldPrice,
		NewPrice:              &newPrice,
		PriceChangePercentage: &pct,
		RouteInfo:             route.DisplayName(),
		DepartureTime:         &dep,
		DepartureDate:         date,
		Priority:              ChangePriority(pct),
	}
}

func newJourneyAlert(user models.User, route models.Route, j models.Journey, date string, lowest bool) models.PriceAlert {
	priority := models.PriorityLow
	if lowest {
		priority = models.PriorityHigh
	}
	msg := fmt.Sprintf("%s added a %s departure. Price: %s", j.CompanyName, clock(j.DepartureTime), formatPrice(j))
	if lowest {
		msg += " (lowest price)"
	}
	dep := j.DepartureTime

	return models.PriceAlert{
		UserID:         user.ID,
		RouteID:        route.ID,
		AlertType:      models.AlertNewJourney,
		Title:          "New journey: " + j.CompanyName,
		Message:        msg,
		CompetitorName: j.CompanyName,
		NewPrice:       j.InternetPrice,
		IsLowestPrice:  lowest,
		RouteInfo:      route.DisplayName(),
		DepartureTime:  &dep,
		DepartureDate:  date,
		Priority:       priority,
	}
}

func inboxEntry(a models.PriceAlert) *models.Notification {
	return &models.Notification{
		UserID:           a.UserID,
		Title:            a.Title,
		Message:          a.Message,
		NotificationType: notificationType(a.AlertType),
		Priority:         a.Priority,
	}
}

func notificationType(alertType string) string {
	if alertType == models.AlertNewJourney {
		return notify.KindNewJourney
	}
	return notify.KindPriceChange
}

// RenderAlert formats an alert as a Telegram HTML message.
func RenderAlert(route models.Route, a models.PriceAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(a.Title))
	fmt.Fprintf(&b, "Route: %s\n", html.EscapeString(route.DisplayName()))
	if a.DepartureTime != nil {
		fmt.Fprintf(&b, "Departure: %s %s\n", a.DepartureDate, clock(*a.DepartureTime))
	}
	if a.OldPrice != nil {
		fmt.Fprintf(&b, "Old price: %.2f\n", *a.OldPrice)
	}
	if a.NewPrice != nil {
		fmt.Fprintf(&b, "New price: %.2f\n", *a.NewPrice)
	}
	if a.PriceChangePercentage != nil {
		fmt.Fprintf(&b, "Change: %+.1f%%\n", *a.PriceChangePercentage)
	}
	if a.IsLowestPrice {
		b.WriteString("Lowest price on the route\n")
	}
	b.WriteString(html.EscapeString(a.Message))
	return b.String()
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format("15:04")
}

func currency(j models.Journey) string {
	if j.Currency == "" {
		return "TRY"
	}
	return j.Currency
}

func formatPrice(j models.Journey) string {
	if j.InternetPrice == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.2f %s", *j.InternetPrice, currency(j))
}
