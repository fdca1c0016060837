// Package store is the persistence boundary of the scraper. The pipeline
// depends on the Store interface only; GormStore is the production
// implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fare-scraper/internal/models"

	"gorm.io/gorm"
)

// ErrPersistence wraps every failed store transaction.
var ErrPersistence = errors.New("persistence error")

// Store is the persistence the scraper and API need.
type Store interface {
	// WithTx runs fn inside one transaction. It commits when fn returns nil
	// and rolls back on error or panic.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	ActiveRoutes(ctx context.Context) ([]models.Route, error)
	Route(ctx context.Context, id uint) (*models.Route, error)

	JourneysForRoute(ctx context.Context, routeID uint) ([]models.Journey, error)
	UpsertJourney(ctx context.Context, j *models.Journey) error
	DeleteJourney(ctx context.Context, j *models.Journey) error
	DeleteJourneysBefore(ctx context.Context, date string) (int64, error)

	InsertPriceHistory(ctx context.Context, rows []models.PriceHistory) error
	DeletePriceHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PriceHistoryForRoute(ctx context.Context, routeID uint, limit int) ([]models.PriceHistory, error)

	Subscribers(ctx context.Context, routeID uint) ([]models.User, error)
	Admins(ctx context.Context) ([]models.User, error)
	CreateAlert(ctx context.Context, a *models.PriceAlert) error
	MarkAlertSent(ctx context.Context, id uint, at time.Time) error
	CreateNotification(ctx context.Context, n *models.Notification) error
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *GormStore) ActiveRoutes(ctx context.Context) ([]models.Route, error) {
	var routes []models.Route
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&routes).Error; err != nil {
		return nil, fmt.Errorf("load active routes: %w", err)
	}
	return routes, nil
}

func (s *GormStore) Route(ctx context.Context, id uint) (*models.Route, error) {
	var route models.Route
	if err := s.db.WithContext(ctx).First(&route, id).Error; err != nil {
		return nil, fmt.Errorf("load route %d: %w", id, err)
	}
	return &route, nil
}

func (s *GormStore) JourneysForRoute(ctx context.Context, routeID uint) ([]models.Journey, error) {
	var journeys []models.Journey
	err := s.db.WithContext(ctx).
		Where("route_id = ?", routeID).
		Order("departure_time, id").
		Find(&journeys).Error
	if err != nil {
		return nil, fmt.Errorf("load journeys for route %d: %w", routeID, err)
	}
	return journeys, nil
}

// UpsertJourney inserts j when it has no primary key yet, otherwise saves
// every column in place.
func (s *GormStore) UpsertJourney(ctx context.Context, j *models.Journey) error {
	db := s.db.WithContext(ctx)
	var err error
	if j.ID == 0 {
		err = db.Create(j).Error
	} else {
		err = db.Save(j).Error
	}
	if err != nil {
		return fmt.Errorf("upsert journey %s: %w", j.ObiletJourneyID, err)
	}
	return nil
}

func (s *GormStore) DeleteJourney(ctx context.Context, j *models.Journey) error {
	if err := s.db.WithContext(ctx).Delete(&models.Journey{}, j.ID).Error; err != nil {
		return fmt.Errorf("delete journey %d: %w", j.ID, err)
	}
	return nil
}

// DeleteJourneysBefore hard-deletes journeys departing before the given
// YYYY-MM-DD calendar date.
func (s *GormStore) DeleteJourneysBefore(ctx context.Context, date string) (int64, error) {
	res := s.db.WithContext(ctx).Where("departure_date < ?", date).Delete(&models.Journey{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete journeys before %s: %w", date, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) InsertPriceHistory(ctx context.Context, rows []models.PriceHistory) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("insert price history: %w", err)
	}
	return nil
}

func (s *GormStore) DeletePriceHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff).Delete(&models.PriceHistory{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete price history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) PriceHistoryForRoute(ctx context.Context, routeID uint, limit int) ([]models.PriceHistory, error) {
	var rows []models.PriceHistory
	q := s.db.WithContext(ctx).Where("route_id = ?", routeID).Order("recorded_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load price history for route %d: %w", routeID, err)
	}
	return rows, nil
}

// Subscribers returns the active users with an active subscription to routeID.
func (s *GormStore) Subscribers(ctx context.Context, routeID uint) ([]models.User, error) {
	var links []models.CompanyRoute
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("route_id = ? AND is_active = ?", routeID, true).
		Order("id").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("load subscribers for route %d: %w", routeID, err)
	}

	users := make([]models.User, 0, len(links))
	for _, l := range links {
		if l.User.IsActive {
			users = append(users, l.User)
		}
	}
	return users, nil
}

func (s *GormStore) Admins(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("role = ? AND is_active = ?", models.RoleAdmin, true).
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("load admins: %w", err)
	}
	return users, nil
}

func (s *GormStore) CreateAlert(ctx context.Context, a *models.PriceAlert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *GormStore) MarkAlertSent(ctx context.Context, id uint, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.PriceAlert{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_sent": true, "sent_at": at}).Error
	if err != nil {
		return fmt.Errorf("mark alert %d sent: %w", id, err)
	}
	return nil
}

func (s *GormStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("is_read = ? AND created_at < ?", true, cutoff).
		Delete(&models.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete notifications: %w", res.Error)
	}
	return res.RowsAffected, nil
}
