package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"teamsbridge/internal/db"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the relational store behind every service.
// Row-level access goes through GORM; aggregate reports use sqlx on the same pool.
type Store struct {
	db *gorm.DB
	x  *sqlx.DB
}

// NewStore wraps an open GORM connection.
func NewStore(gdb *gorm.DB) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return &Store{
		db: gdb,
		x:  sqlx.NewDb(sqlDB, db.SQLXDriverName(gdb)),
	}, nil
}

// DB exposes the underlying GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// NormalizeEmail is the form emails are stored and compared in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
