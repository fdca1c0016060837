package scraper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/models"
	"fare-scraper/internal/services/obilet"
	"fare-scraper/internal/store"

	"github.com/shopspring/decimal"
)

// Partition splits listing ids into the three reconciliation sets. Each slice
// is sorted so the result does not depend on map or response order.
type Partition struct {
	ToDelete []string
	ToUpdate []string
	ToInsert []string
}

// Diff partitions the keys of existing and incoming: ids only in existing are
// deleted, ids in both are updated, ids only in incoming are inserted.
func Diff[E, I any](existing map[string]E, incoming map[string]I) Partition {
	var p Partition
	for id := range existing {
		if _, ok := incoming[id]; ok {
			p.ToUpdate = append(p.ToUpdate, id)
		} else {
			p.ToDelete = append(p.ToDelete, id)
		}
	}
	for id := range incoming {
		if _, ok := existing[id]; !ok {
			p.ToInsert = append(p.ToInsert, id)
		}
	}
	sort.Strings(p.ToDelete)
	sort.Strings(p.ToUpdate)
	sort.Strings(p.ToInsert)
	return p
}

// IndexIncoming keys upstream listings by id. A later duplicate replaces an
// earlier one; listings without an id are left out.
func IndexIncoming(journeys []obilet.Journey) map[string]obilet.Journey {
	out := make(map[string]obilet.Journey, len(journeys))
	for _, j := range journeys {
		if j.ID == "" {
			continue
		}
		out[j.ID.String()] = j
	}
	return out
}

func indexExisting(journeys []models.Journey) map[string]models.Journey {
	out := make(map[string]models.Journey, len(journeys))
	for _, j := range journeys {
		if j.ObiletJourneyID == "" {
			continue
		}
		out[j.ObiletJourneyID] = j
	}
	return out
}

// PriceChange is emitted when a listing's price moved between two passes.
type PriceChange struct {
	Journey   models.Journey
	OldPrice  float64
	NewPrice  float64
	ChangePct float64
}

func (c PriceChange) IsDrop() bool { return c.ChangePct < 0 }

// SyncResult describes what one Sync changed.
type SyncResult struct {
	RouteID      uint
	Inserted     int
	Updated      int
	Deleted      int
	PriceChanges []PriceChange
	NewJourneys  []models.Journey
	// Current is the route's persisted listings after the pass.
	Current []models.Journey
	// FirstRun is set when the route had no keyed listings before the pass.
	FirstRun bool
}

func (r *SyncResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

// Reconciler makes the stored journeys of a route match a fresh listing.
type Reconciler struct {
	store store.Store
	log   logger.Logger
	now   func() time.Time
}

// NewReconciler uses s for every write.
func NewReconciler(s store.Store, log logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{store: s, log: log, now: time.Now}
}

// Sync brings the route's persisted listings in line with incoming inside a
// single transaction. On error nothing for the route is changed.
func (r *Reconciler) Sync(ctx context.Context, routeID uint, incoming []obilet.Journey) (*SyncResult, error) {
	var res *SyncResult
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		res, err = r.apply(ctx, tx, routeID, incoming)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sync route %d: %w", routeID, err)
	}

	r.log.Info("Route synced",
		logger.Uint("route_id", routeID),
		logger.Int("inserted", res.Inserted),
		logger.Int("updated", res.Updated),
		logger.Int("deleted", res.Deleted),
		logger.Int("price_changes", len(res.PriceChanges)),
		logger.Bool("first_run", res.FirstRun),
	)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx store.Store, routeID uint, incoming []obilet.Journey) (*SyncResult, error) {
	rows, err := tx.JourneysForRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	existing := indexExisting(rows)
	fresh := IndexIncoming(incoming)
	p := Diff(existing, fresh)
	now := r.now().UTC()

	res := &SyncResult{RouteID: routeID, FirstRun: len(existing) == 0}
	current := make([]models.Journey, 0, len(p.ToUpdate)+len(p.ToInsert))

	for _, id := range p.ToDelete {
		j := existing[id]
		if err := tx.DeleteJourney(ctx, &j); err != nil {
			return nil, err
		}
		res.Deleted++
	}

	for _, id := range p.ToUpdate {
		j := existing[id]
		change, changed := applyUpdate(&j, fresh[id], now)
		if changed {
			if err := tx.UpsertJourney(ctx, &j); err != nil {
				return nil, err
			}
			res.Updated++
		}
		if change != nil {
			change.Journey = j
			res.PriceChanges = append(res.PriceChanges, *change)
		}
		current = append(current, j)
	}

	for _, id := range p.ToInsert {
		j := NewJourney(routeID, fresh[id], now)
		if err := tx.UpsertJourney(ctx, &j); err != nil {
			return nil, err
		}
		res.Inserted++
		res.NewJourneys = append(res.NewJourneys, j)
		current = append(current, j)
	}

	// listings without an id are never touched but still belong to the route
	for _, j := range rows {
		if j.ObiletJourneyID == "" {
			current = append(current, j)
		}
	}
	sort.SliceStable(current, func(a, b int) bool {
		if !current[a].DepartureTime.Equal(current[b].DepartureTime) {
			return current[a].DepartureTime.Before(current[b].DepartureTime)
		}
		return current[a].ObiletJourneyID < current[b].ObiletJourneyID
	})
	res.Current = current
	return res, nil
}

// applyUpdate overwrites price and seat fields when either moved. The
// returned change is non-nil only when both prices are known and differ.
func applyUpdate(j *models.Journey, in obilet.Journey, now time.Time) (*PriceChange, bool) {
	newPrice := in.Price()
	newSeats := in.Seats()

	priceChanged := !samePricePtr(j.InternetPrice, newPrice)
	seatsChanged := j.AvailableSeats != newSeats
	if !priceChanged && !seatsChanged {
		return nil, false
	}

	var change *PriceChange
	if priceChanged && j.InternetPrice != nil && newPrice != nil && *j.InternetPrice != 0 {
		change = &PriceChange{
			OldPrice:  *j.InternetPrice,
			NewPrice:  *newPrice,
			ChangePct: ChangePct(*j.InternetPrice, *newPrice),
		}
	}

	j.InternetPrice = newPrice
	j.OriginalPrice = in.Journey.OriginalPrice
	j.AvailableSeats = newSeats
	j.TotalSeats = in.TotalSeats
	if occ := Occupancy(in.TotalSeats, newSeats); occ != nil {
		j.OccupancyRate = occ
	}
	j.ScrapedAt = now
	return change, true
}

// NewJourney maps an upstream listing to a fresh persisted row.
func NewJourney(routeID uint, in obilet.Journey, now time.Time) models.Journey {
	a := in.Amenities()
	j := models.Journey{
		RouteID:         routeID,
		ObiletJourneyID: in.ID.String(),
		CompanyName:     in.PartnerName,
		ObiletPartnerID: in.PartnerID,
		OriginalPrice:   in.Journey.OriginalPrice,
		InternetPrice:   in.Price(),
		Currency:        in.Journey.Currency,
		TotalSeats:      in.TotalSeats,
		AvailableSeats:  in.Seats(),
		OccupancyRate:   Occupancy(in.TotalSeats, in.Seats()),
		BusType:         in.BusType,
		BusName:         in.Journey.BusName,
		HasWifi:         a.Wifi,
		HasUSB:          a.USB,
		HasTV:           a.TV,
		HasSocket:       a.Socket,
		ScrapedAt:       now,
	}
	if j.CompanyName == "" {
		j.CompanyName = "Unknown"
	}
	if j.Currency == "" {
		j.Currency = "TRY"
	}
	if dep, err := ParseDeparture(in.Journey.Departure); err == nil {
		j.DepartureTime = dep
		j.DepartureDate = CalendarDate(dep)
		if arr, err := ParseDeparture(in.Journey.Arrival); err == nil {
			j.ArrivalTime = &arr
			if arr.After(dep) {
				j.Duration = int(arr.Sub(dep).Minutes())
			}
		}
	}
	return j
}

// Occupancy is the booked share of seats in percent, rounded to 2 places;
// nil when the seat total is unknown or zero.
func Occupancy(total *int, available int) *float64 {
	if total == nil || *total <= 0 {
		return nil
	}
	occupied := decimal.NewFromInt(int64(*total - available))
	v, _ := occupied.Div(decimal.NewFromInt(int64(*total))).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return &v
}

// ChangePct is (new-old)/old in percent, rounded to 2 places.
func ChangePct(oldPrice, newPrice float64) float64 {
	o := decimal.NewFromFloat(oldPrice)
	n := decimal.NewFromFloat(newPrice)
	v, _ := n.Sub(o).Div(o).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return v
}

// samePricePtr compares prices at cent precision; two unknown prices match.
func samePricePtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return decimal.NewFromFloat(*a).Round(2).Equal(decimal.NewFromFloat(*b).Round(2))
}
