package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"climate_monitor/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a database connection based on the provided configuration.
// SQL logging goes through log at a verbosity derived from logging.log_level.
func Connect(cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector

	dsn := cfg.GetDSN()
	switch cfg.Database.Driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: newGormLogger(log, cfg.Logging.LogLevel),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	pool := cfg.Database.ConnectionPool
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetime) * time.Second)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// IsConnected checks if database is connected
func IsConnected(ctx context.Context, db *gorm.DB) bool {
	if db == nil {
		return false
	}

	sqlDB, err := db.DB()
	if err != nil {
		return false
	}

	return sqlDB.PingContext(ctx) == nil
}

// GetDatabaseInfo returns information about the connected database
func GetDatabaseInfo(ctx context.Context, db *gorm.DB, cfg *config.Config) map[string]interface{} {
	info := make(map[string]interface{})
	info["driver"] = cfg.Database.Driver
	info["connected"] = IsConnected(ctx, db)

	if db != nil {
		sqlDB, err := db.DB()
		if err == nil {
			stats := sqlDB.Stats()
			info["max_open_connections"] = stats.MaxOpenConnections
			info["open_connections"] = stats.OpenConnections
			info["in_use"] = stats.InUse
			info["idle"] = stats.Idle
		}
	}

	switch cfg.Database.Driver {
	case "mysql":
		info["host"] = cfg.Database.MySQL.Host
		info["port"] = cfg.Database.MySQL.Port
		info["database"] = cfg.Database.MySQL.DBName
	case "postgres":
		info["host"] = cfg.Database.PostgreSQL.Host
		info["port"] = cfg.Database.PostgreSQL.Port
		info["database"] = cfg.Database.PostgreSQL.DBName
	case "sqlite":
		info["path"] = cfg.Database.SQLite.Path
	}

	return info
}

// slogWriter adapts a slog.Logger to gorm's logger.Writer.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.log.Info(fmt.Sprintf(format, args...), "component", "gorm")
}

// newGormLogger maps the application log level onto gorm's. Every SQL statement
// is traced only at debug.
func newGormLogger(log *slog.Logger, level string) logger.Interface {
	if log == nil {
		return logger.Discard
	}
	gormLevel := logger.Warn
	switch level {
	case "debug":
		gormLevel = logger.Info
	case "error":
		gormLevel = logger.Error
	}
	return logger.New(slogWriter{log: log}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormLevel,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
