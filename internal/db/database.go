package db

import (
	"fmt"
	stlog "log" // GORM's logger.New expects a standard log.Logger
	"strings"
	"time"

	_ "github.com/lib/pq" // database/sql driver used by the postgres dialector
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // Use zerolog's global logger
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database named by dsn.
// postgres:// and postgresql:// URLs use lib/pq, mysql:// URLs use the MySQL driver,
// anything else (sqlite://path, file:path or a plain path) is opened as SQLite.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if gdb.Dialector.Name() == "sqlite" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		// SQLite allows a single writer; queue callers instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info().Str("driver", gdb.Dialector.Name()).Msg("Database connection established successfully.")
	return gdb, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: dsn}), nil
	case strings.HasPrefix(dsn, "mysql://"):
		rest := strings.TrimPrefix(dsn, "mysql://")
		if rest == "" {
			return nil, fmt.Errorf("mysql DSN is empty")
		}
		return mysql.Open(mysqlDSN(rest)), nil
	default:
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite path is empty")
		}
		if !strings.Contains(path, "?") {
			path += "?_busy_timeout=5000&_foreign_keys=on"
		}
		return sqlite.Open(path), nil
	}
}

// mysqlDSN adds parseTime=true unless the caller set it, so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) string {
	if strings.Contains(strings.ToLower(dsn), "parsetime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// newGormLogger routes GORM output through zerolog at a level derived from the global one.
func newGormLogger() gormlogger.Interface {
	var level gormlogger.LogLevel
	switch zerolog.GlobalLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		level = gormlogger.Info
	case zerolog.InfoLevel, zerolog.WarnLevel:
		level = gormlogger.Warn
	case zerolog.Disabled:
		level = gormlogger.Silent
	default:
		level = gormlogger.Error
	}

	return gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false, // Zerolog will handle coloring if its output is console
		},
	)
}

// Migrate runs GORM's AutoMigrate for the given models.
// Model types are passed in by the caller so this package does not depend on models.
func Migrate(gdb *gorm.DB, modelsToMigrate ...interface{}) error {
	if gdb == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}
	if len(modelsToMigrate) == 0 {
		return fmt.Errorf("no models provided for migration")
	}

	if err := gdb.AutoMigrate(modelsToMigrate...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	log.Info().Int("modelsMigrated", len(modelsToMigrate)).Msg("Database migration completed successfully for provided models.")
	return nil
}

// SQLXDriverName maps a GORM dialector name onto the driver name sqlx uses to pick a bind style.
func SQLXDriverName(gdb *gorm.DB) string {
	switch name := gdb.Dialector.Name(); name {
	case "sqlite":
		return "sqlite3"
	default:
		return name
	}
}
