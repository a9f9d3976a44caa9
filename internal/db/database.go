package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDatabase opens the embedded state store and runs auto-migrations.
// Migrations are additive only: AutoMigrate adds tables and columns but
// never drops them, which keeps historical audit data readable.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&HostnameRecord{},
		&HealthSample{},
		&TunnelRuntimeState{},
		&DiscoveredDomain{},
		&AuditEntry{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
