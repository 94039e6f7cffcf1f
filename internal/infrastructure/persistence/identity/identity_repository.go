// Package identity provides the concrete SQL-based implementations of
// the identity domain repositories (IdentityState, Hit queue).
package identity

import (
	"encoding/json"
	"strconv"
	"time"

	entities "github.com/AtRiskMedia/visitorid-go/internal/domain/entities/identity"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/persistence/database"
)

// Storage keys of the identity record. One row per key; single-key writes
// are atomic in SQLite.
const (
	keyPrimaryID     = "mid"
	keyAdvertisingID = "advertising_id"
	keyPushID        = "push_id"
	keyBlob          = "blob"
	keyLocationHint  = "location_hint"
	keyLastSync      = "last_sync"
	keyTTL           = "ttl_seconds"
	keyCustomerIDs   = "customer_ids"
	keyPrivacy       = "privacy_status"
)

// SQLIdentityRepository is the SQL-based implementation of the
// IdentityRepository.
type SQLIdentityRepository struct {
	db     *database.DB
	logger *logging.ChanneledLogger
}

// NewSQLIdentityRepository creates a new instance of the repository and
// ensures its schema exists.
func NewSQLIdentityRepository(db *database.DB, logger *logging.ChanneledLogger) (*SQLIdentityRepository, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS identity_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &SQLIdentityRepository{db: db, logger: logger}, nil
}

// Load retrieves the persisted identity state, falling back to defaults for
// anything missing or unreadable. Malformed rows are logged and skipped,
// never surfaced as errors.
func (r *SQLIdentityRepository) Load() (*entities.IdentityState, error) {
	const query = `SELECT key, value FROM identity_state`

	start := time.Now()
	if r.logger != nil {
		r.logger.Database().Debug("Loading identity state")
	}

	rows, err := r.db.Query(query)
	if err != nil {
		if r.logger != nil {
			r.logger.Database().Error("Failed to load identity state", "error", err.Error())
		}
		return nil, err
	}
	defer rows.Close()

	state := entities.NewIdentityState()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			if r.logger != nil {
				r.logger.Database().Warn("Skipping unreadable identity row", "error", err.Error())
			}
			continue
		}
		r.applyRow(state, key, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.Database().Info("Identity state loaded",
			"mid", logging.SanitizeMID(state.PrimaryID),
			"customerIdCount", len(state.CustomerIDs),
			"privacyStatus", string(state.PrivacyStatus),
			"duration", time.Since(start),
		)
	}
	database.CheckAndLogSlowQuery(r.logger, query, time.Since(start))
	return state, nil
}

func (r *SQLIdentityRepository) applyRow(state *entities.IdentityState, key, value string) {
	switch key {
	case keyPrimaryID:
		state.PrimaryID = value
	case keyAdvertisingID:
		state.AdvertisingID = value
	case keyPushID:
		state.PushID = value
	case keyBlob:
		state.Blob = value
	case keyLocationHint:
		state.LocationHint = value
	case keyLastSync:
		if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
			state.LastSync = time.Unix(unix, 0).UTC()
		} else if r.logger != nil {
			r.logger.Database().Warn("Malformed last_sync value, using zero", "value", value)
		}
	case keyTTL:
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
			state.TTL = time.Duration(seconds) * time.Second
		} else if r.logger != nil {
			r.logger.Database().Warn("Malformed ttl value, using default", "value", value)
		}
	case keyCustomerIDs:
		var ids []entities.VisitorID
		if err := json.Unmarshal([]byte(value), &ids); err == nil {
			state.CustomerIDs = entities.CleanupCustomerIDs(ids)
		} else if r.logger != nil {
			r.logger.Database().Warn("Malformed customer id set, dropping", "error", err.Error())
		}
	case keyPrivacy:
		state.PrivacyStatus = entities.ParsePrivacyStatus(value)
	}
}

// Save persists the full identity state synchronously. Rows for cleared
// fields are removed so an opt-out leaves nothing behind on disk.
func (r *SQLIdentityRepository) Save(state *entities.IdentityState) error {
	start := time.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	values := map[string]string{
		keyPrimaryID:     state.PrimaryID,
		keyAdvertisingID: state.AdvertisingID,
		keyPushID:        state.PushID,
		keyBlob:          state.Blob,
		keyLocationHint:  state.LocationHint,
		keyPrivacy:       string(state.PrivacyStatus),
	}
	if !state.LastSync.IsZero() {
		values[keyLastSync] = strconv.FormatInt(state.LastSync.Unix(), 10)
	} else {
		values[keyLastSync] = ""
	}
	if state.TTL > 0 {
		values[keyTTL] = strconv.FormatInt(int64(state.TTL/time.Second), 10)
	} else {
		values[keyTTL] = ""
	}
	if len(state.CustomerIDs) > 0 {
		encoded, err := json.Marshal(state.CustomerIDs)
		if err != nil {
			return err
		}
		values[keyCustomerIDs] = string(encoded)
	} else {
		values[keyCustomerIDs] = ""
	}

	const upsert = `
		INSERT INTO identity_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	const remove = `DELETE FROM identity_state WHERE key = ?`

	for key, value := range values {
		if value == "" {
			if _, err := tx.Exec(remove, key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(upsert, key, value); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if r.logger != nil {
			r.logger.Database().Error("Failed to save identity state", "error", err.Error())
		}
		return err
	}

	if r.logger != nil {
		r.logger.Database().Debug("Identity state saved",
			"mid", logging.SanitizeMID(state.PrimaryID),
			"customerIdCount", len(state.CustomerIDs),
			"duration", time.Since(start),
		)
	}
	database.CheckAndLogSlowQuery(r.logger, "SAVE_IDENTITY_STATE", time.Since(start))
	return nil
}
