// Package container provides dependency injection for all singleton services
package container

import (
	"log/slog"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/application/services"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/messaging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/network"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/persistence/database"
	persistence "github.com/AtRiskMedia/visitorid-go/internal/infrastructure/persistence/identity"
)

// Container holds all singleton services and infrastructure dependencies
type Container struct {
	Settings *config.Settings
	Logger   *logging.ChanneledLogger

	// Infrastructure
	Dispatcher *messaging.Dispatcher
	DB         *database.DB

	// Services
	SyncDecisionService *services.SyncDecisionService
	StateService        *services.StateService
	HitQueueService     *services.HitQueueService
	IdentityService     *services.IdentityService
}

// NewContainer creates and wires all singleton services
func NewContainer(settings *config.Settings) (*Container, error) {
	loggerConfig := logging.DefaultLoggerConfig()
	loggerConfig.OutputToFile = settings.LogToFile
	loggerConfig.LogDirectory = settings.LogDirectory
	loggerConfig.JSONFormat = settings.LogJSON
	loggerConfig.DefaultLevel = slog.LevelInfo

	logger, err := logging.NewChanneledLogger(loggerConfig)
	if err != nil {
		return nil, err
	}

	dispatcher := messaging.NewDispatcher(logger)

	db, err := database.NewConnectionWithLogger(settings.DBPath, logger)
	if err != nil {
		return nil, err
	}

	identityRepo, err := persistence.NewSQLIdentityRepository(db, logger)
	if err != nil {
		return nil, err
	}
	hitRepo, err := persistence.NewSQLHitRepository(db, logger)
	if err != nil {
		return nil, err
	}

	client := network.NewClient(settings.RequestTimeout, logger)

	decisionService := services.NewSyncDecisionService(settings, logger)
	stateService := services.NewStateService(dispatcher, settings, logger)
	queueService := services.NewHitQueueService(hitRepo, client, dispatcher, settings, logger)
	identityService := services.NewIdentityService(
		dispatcher,
		dispatcher,
		stateService,
		decisionService,
		queueService,
		identityRepo,
		settings,
		logger,
	)

	return &Container{
		Settings:            settings,
		Logger:              logger,
		Dispatcher:          dispatcher,
		DB:                  db,
		SyncDecisionService: decisionService,
		StateService:        stateService,
		HitQueueService:     queueService,
		IdentityService:     identityService,
	}, nil
}

// Close releases infrastructure resources.
func (c *Container) Close() error {
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			return err
		}
	}
	if c.Logger != nil {
		return c.Logger.Close()
	}
	return nil
}
