// Package config provides centralized configuration for the identity client
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

var envLoaded sync.Once

// loadEnvFile loads environment variables from an optional .env file
func loadEnvFile() {
	envLoaded.Do(func() {
		file, err := os.Open(".env")
		if err != nil {
			// .env file is optional, don't error if it doesn't exist
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())

			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}

			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])

			// Real environment always wins over .env entries
			if os.Getenv(key) == "" {
				os.Setenv(key, value)
			}
		}
	})
}

// Settings holds every tunable of the identity client. Values come from the
// environment with an optional .env file underneath.
type Settings struct {
	// Identity service
	OrgID  string `env:"VISITORID_ORG_ID"`
	Server string `env:"VISITORID_SERVER" envDefault:"id.atriskmedia.com"`

	// Sync behavior
	SyncTTL           time.Duration `env:"VISITORID_SYNC_TTL" envDefault:"600s"`
	RequestTimeout    time.Duration `env:"VISITORID_REQUEST_TIMEOUT" envDefault:"5s"`
	BestEffortTimeout time.Duration `env:"VISITORID_BEST_EFFORT_TIMEOUT" envDefault:"2s"`

	// Hit queue retry policy
	RetryInitialInterval time.Duration `env:"VISITORID_RETRY_INITIAL" envDefault:"1s"`
	RetryMaxInterval     time.Duration `env:"VISITORID_RETRY_MAX" envDefault:"30s"`
	RetryMaxElapsed      time.Duration `env:"VISITORID_RETRY_MAX_ELAPSED" envDefault:"5m"`

	// Shared-state dependency waits
	DependencyWaitTimeout time.Duration `env:"VISITORID_DEPENDENCY_WAIT" envDefault:"500ms"`

	// Persistence
	DBPath string `env:"VISITORID_DB_PATH" envDefault:"visitorid.db"`

	// Privacy default applied when nothing has been persisted yet
	DefaultPrivacy string `env:"VISITORID_PRIVACY" envDefault:"optunknown"`

	// Ops surface
	OpsPort    string `env:"VISITORID_OPS_PORT" envDefault:"10000"`
	OpsEnabled bool   `env:"VISITORID_OPS_ENABLED" envDefault:"true"`

	// Logging
	LogDirectory string `env:"VISITORID_LOG_DIR" envDefault:"logs"`
	LogToFile    bool   `env:"VISITORID_LOG_TO_FILE" envDefault:"false"`
	LogJSON      bool   `env:"VISITORID_LOG_JSON" envDefault:"true"`
}

// Load parses Settings from the environment, loading .env first.
func Load() (*Settings, error) {
	loadEnvFile()

	settings := &Settings{}
	if err := env.Parse(settings); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return settings, nil
}
