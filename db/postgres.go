// Package db owns the PostgreSQL connection and the persistent data
// model. Every entity embeds Base, which carries the surrogate key,
// lifecycle timestamps, the soft-delete marker, and the similarity
// embedding recomputed on every insert.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to PostgreSQL and configures the pool. maxConns
// defaults to 3, sized for cold-start runtimes; long-lived servers
// raise it through configuration.
func Open(databaseURL string, maxConns int) (*gorm.DB, error) {
	if maxConns <= 0 {
		maxConns = 3
	}

	gdb, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Migrate creates or updates the schema for every persistent entity.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&User{},
		&RefreshToken{},
		&Log{},
		&MetricWindow{},
		&RequestSnapshot{},
		&WorkerStats{},
	)
}
