package identity

import (
	"database/sql"
	"time"

	entities "github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/persistence/database"
)

// SQLHitRepository is the SQL-based implementation of the HitRepository.
// The autoincrement sequence column gives FIFO ordering across restarts.
type SQLHitRepository struct {
	db     *database.DB
	logger *logging.ChanneledLogger
}

// NewSQLHitRepository creates a new instance of the repository and ensures
// its schema exists.
func NewSQLHitRepository(db *database.DB, logger *logging.ChanneledLogger) (*SQLHitRepository, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS identity_hits (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			url            TEXT NOT NULL,
			correlation_id TEXT,
			opt_out        INTEGER NOT NULL DEFAULT 0,
			enqueued_at    INTEGER NOT NULL
		)`

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &SQLHitRepository{db: db, logger: logger}, nil
}

// Append adds a hit at the tail of the queue.
func (r *SQLHitRepository) Append(hit entities.IdentityHit) error {
	const query = `
		INSERT INTO identity_hits (id, url, correlation_id, opt_out, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`

	start := time.Now()

	optOut := 0
	if hit.OptOut {
		optOut = 1
	}
	_, err := r.db.Exec(query, hit.ID, hit.URL, hit.CorrelationID, optOut, hit.EnqueuedAt.Unix())
	if err != nil {
		if r.logger != nil {
			r.logger.Database().Error("Failed to append hit", "error", err.Error(), "hitId", hit.ID)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Database().Debug("Hit appended", "hitId", hit.ID, "optOut", hit.OptOut, "duration", time.Since(start))
	}
	database.CheckAndLogSlowQuery(r.logger, query, time.Since(start))
	return nil
}

// Peek returns the head of the queue without removing it.
func (r *SQLHitRepository) Peek() (*entities.IdentityHit, bool, error) {
	const query = `
		SELECT id, url, correlation_id, opt_out, enqueued_at
		FROM identity_hits
		ORDER BY seq ASC
		LIMIT 1`

	start := time.Now()

	row := r.db.QueryRow(query)

	var hit entities.IdentityHit
	var correlationID sql.NullString
	var optOut int
	var enqueuedAt int64
	if err := row.Scan(&hit.ID, &hit.URL, &correlationID, &optOut, &enqueuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		if r.logger != nil {
			r.logger.Database().Error("Failed to peek hit queue", "error", err.Error())
		}
		return nil, false, err
	}

	hit.CorrelationID = correlationID.String
	hit.OptOut = optOut != 0
	hit.EnqueuedAt = time.Unix(enqueuedAt, 0).UTC()

	database.CheckAndLogSlowQuery(r.logger, query, time.Since(start))
	return &hit, true, nil
}

// Remove deletes a hit by id after it was acked or dropped.
func (r *SQLHitRepository) Remove(id string) error {
	const query = `DELETE FROM identity_hits WHERE id = ?`

	start := time.Now()
	_, err := r.db.Exec(query, id)
	if err != nil {
		if r.logger != nil {
			r.logger.Database().Error("Failed to remove hit", "error", err.Error(), "hitId", id)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Database().Debug("Hit removed", "hitId", id, "duration", time.Since(start))
	}
	return nil
}

// PurgeNonOptOut discards every queued hit except opt-out notifications and
// returns how many were dropped.
func (r *SQLHitRepository) PurgeNonOptOut() (int, error) {
	const query = `DELETE FROM identity_hits WHERE opt_out = 0`

	start := time.Now()
	result, err := r.db.Exec(query)
	if err != nil {
		if r.logger != nil {
			r.logger.Database().Error("Failed to purge hit queue", "error", err.Error())
		}
		return 0, err
	}

	affected, _ := result.RowsAffected()
	if r.logger != nil {
		r.logger.Database().Info("Hit queue purged", "dropped", affected, "duration", time.Since(start))
	}
	return int(affected), nil
}

// Depth reports the number of queued hits.
func (r *SQLHitRepository) Depth() (int, error) {
	const query = `SELECT COUNT(*) FROM identity_hits`

	var depth int
	if err := r.db.QueryRow(query).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}
