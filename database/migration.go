package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"climate_monitor/models"

	"gorm.io/gorm"
)

// Migration is one built-in, versioned schema change
type Migration struct {
	Version string
	Name    string
	Up      func(tx *gorm.DB) error
}

// MigrationStatus reports whether a built-in migration has been applied
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// builtinMigrations lists schema changes in version order. Versions are never reused.
var builtinMigrations = []Migration{
	{
		Version: "20250919_000001",
		Name:    "create climate data",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.ClimateReading{})
		},
	},
	{
		Version: "20250919_000002",
		Name:    "create node info",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.NodeInfo{})
		},
	},
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	db             *gorm.DB
	migrationTable string
	migrations     []Migration
	log            *slog.Logger
}

// NewMigrationRunner creates a new migration runner over the built-in migrations
func NewMigrationRunner(db *gorm.DB, migrationTable string, log *slog.Logger) *MigrationRunner {
	if log == nil {
		log = slog.Default()
	}
	return &MigrationRunner{
		db:             db,
		migrationTable: migrationTable,
		migrations:     builtinMigrations,
		log:            log,
	}
}

func (mr *MigrationRunner) table(ctx context.Context) *gorm.DB {
	return mr.db.WithContext(ctx).Table(mr.migrationTable)
}

// InitializeMigrationTable creates the migration table if it doesn't exist
func (mr *MigrationRunner) InitializeMigrationTable(ctx context.Context) error {
	return mr.table(ctx).AutoMigrate(&models.SchemaMigration{})
}

// GetAppliedMigrations returns all applied migrations from the database
func (mr *MigrationRunner) GetAppliedMigrations(ctx context.Context) ([]models.SchemaMigration, error) {
	if err := mr.InitializeMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize migration table: %w", err)
	}

	var applied []models.SchemaMigration
	if err := mr.table(ctx).Order("version ASC").Find(&applied).Error; err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return applied, nil
}

// GetMigrationStatus returns the status of all built-in migrations
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := mr.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	appliedAt := make(map[string]time.Time, len(applied))
	for _, m := range applied {
		appliedAt[m.Version] = m.AppliedAt
	}

	status := make([]MigrationStatus, 0, len(mr.migrations))
	for _, m := range mr.migrations {
		s := MigrationStatus{Version: m.Version, Name: m.Name}
		if at, ok := appliedAt[m.Version]; ok {
			s.Applied = true
			s.AppliedAt = &at
		}
		status = append(status, s)
	}
	return status, nil
}

// RunMigrations applies every pending migration and returns how many ran.
// Safe to call at every process start.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) (int, error) {
	status, err := mr.GetMigrationStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	ran := 0
	for i, s := range status {
		if s.Applied {
			continue
		}
		if err := mr.runSingleMigration(ctx, mr.migrations[i]); err != nil {
			return ran, fmt.Errorf("failed to run migration %s: %w", s.Version, err)
		}
		ran++
	}

	if ran == 0 {
		mr.log.Debug("no pending migrations")
	} else {
		mr.log.Info("migrations applied", "count", ran)
	}
	return ran, nil
}

func (mr *MigrationRunner) runSingleMigration(ctx context.Context, m Migration) error {
	mr.log.Info("running migration", "version", m.Version, "name", m.Name)

	return mr.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.Up(tx); err != nil {
			return fmt.Errorf("failed to apply schema change: %w", err)
		}

		record := models.SchemaMigration{
			Version:   m.Version,
			Name:      m.Name,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Table(mr.migrationTable).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}
