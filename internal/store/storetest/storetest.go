// Package storetest opens throwaway in-memory databases for tests.
package storetest

import (
	"fmt"
	"strings"
	"testing"

	"fare-scraper/internal/database"
	"fare-scraper/internal/models"
	"fare-scraper/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated in-memory database private to t.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// NewStore is Open wrapped in a GormStore.
func NewStore(t *testing.T) (*store.GormStore, *gorm.DB) {
	db := Open(t)
	return store.NewGormStore(db), db
}

// SeedRoute inserts an active route.
func SeedRoute(t *testing.T, db *gorm.DB, origin, destination int, name string) models.Route {
	t.Helper()
	r := models.Route{
		OriginCityName:      "Istanbul",
		OriginObiletID:      origin,
		DestinationCityName: "Ankara",
		DestinationObiletID: destination,
		RouteName:           name,
		IsActive:            true,
	}
	require.NoError(t, db.Create(&r).Error)
	return r
}

// SeedSubscriber inserts an active company user tracking route.
func SeedSubscriber(t *testing.T, db *gorm.DB, route models.Route, company, chatID string) models.User {
	t.Helper()
	u := models.User{
		CompanyName:    company,
		Email:          strings.ToLower(strings.ReplaceAll(company, " ", ".")) + "@example.com",
		Role:           models.RoleCompany,
		TelegramChatID: chatID,
		IsActive:       true,
	}
	require.NoError(t, db.Create(&u).Error)
	require.NoError(t, db.Create(&models.CompanyRoute{UserID: u.ID, RouteID: route.ID, IsActive: true}).Error)
	return u
}

// SeedAdmin inserts an active admin user.
func SeedAdmin(t *testing.T, db *gorm.DB, email string) models.User {
	t.Helper()
	u := models.User{CompanyName: "Ops", Email: email, Role: models.RoleAdmin, IsActive: true}
	require.NoError(t, db.Create(&u).Error)
	return u
}
