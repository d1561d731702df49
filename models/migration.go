package models

import "time"

// SchemaMigration records one applied built-in schema migration.
// The table name comes from migration.migration_table, so callers go through db.Table.
type SchemaMigration struct {
	ID        uint      `gorm:"primaryKey"`
	Version   string    `gorm:"uniqueIndex;not null;size:64"`
	Name      string    `gorm:"not null;size:255"`
	AppliedAt time.Time `gorm:"not null"`
}
