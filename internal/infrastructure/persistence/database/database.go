// Package database provides the core functionality for creating and managing
// database connections in a clean, isolated manner.
package database

import (
	"database/sql"
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	_ "github.com/mattn/go-sqlite3"
)

// DB represents a wrapper around the standard SQL database connection.
type DB struct {
	*sql.DB
}

// NewConnection establishes a new SQLite connection for the given path.
// The identity client persists everything in one local database file.
func NewConnection(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// A single writer plus the ops read path; SQLite handles this fine with
	// one connection.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// NewConnectionWithLogger establishes a new SQLite connection with logging.
func NewConnectionWithLogger(dataSourceName string, logger *logging.ChanneledLogger) (*DB, error) {
	start := time.Now()
	logger.Database().Debug("Creating new database connection", "path", dataSourceName)

	db, err := NewConnection(dataSourceName)
	if err != nil {
		logger.Database().Error("Failed to open database connection", "error", err.Error(), "path", dataSourceName)
		return nil, err
	}

	logger.Database().Info("Database connection established", "path", dataSourceName, "duration", time.Since(start))
	return db, nil
}
