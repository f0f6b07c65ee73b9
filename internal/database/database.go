package database

import (
	"fmt"

	"github.com/ksred/insider-api/internal/database/migrations"
	"github.com/ksred/insider-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	// TranslateError is required for the driver to surface constraint
	// violations as gorm.ErrDuplicatedKey
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// Auto-migrate core schemas
	err = db.AutoMigrate(
		&types.Company{},
		&types.Person{},
		&types.Filing{},
		&types.Transaction{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddFilingIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
