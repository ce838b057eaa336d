package db

import (
	"log"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/parkpos/backend/internal/models"
)

// New creates a new GORM database connection using the provided DSN.
// Driver errors are translated so unique violations surface as gorm.ErrDuplicatedKey.
func New(dsn string) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)

	log.Println("connected to database")
	return db, nil
}

// Migrate creates or updates the tickets table.
func Migrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&models.Ticket{}), "auto migrate")
}
