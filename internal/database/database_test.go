package database

import (
	"path/filepath"
	"testing"

	"fare-scraper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeSQLite(t *testing.T) {
	db, err := Initialize("sqlite://" + filepath.Join(t.TempDir(), "fares.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	for _, table := range []interface{}{&models.Route{}, &models.Journey{}, &models.PriceHistory{}, &models.PriceAlert{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
}

func TestInitializeRejectsEmptyURL(t *testing.T) {
	_, err := Initialize("")
	assert.Error(t, err)
}

func TestDialector(t *testing.T) {
	assert.Equal(t, "postgres", dialector("postgres://u:p@localhost/fares").Name())
	assert.Equal(t, "sqlite", dialector("sqlite://fares.db").Name())
	assert.Equal(t, "mysql", dialector("u:p@tcp(localhost:3306)/fares").Name())
}
