// Package startup prepares the identity daemon
package startup

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/application/container"
	"github.com/AtRiskMedia/visitorid-go/internal/presentation/http/server"
)

// Initialize performs the complete startup sequence and blocks until a
// shutdown signal arrives.
func Initialize() error {
	start := time.Now().UTC()

	// Step 1: Load configuration
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if settings.OrgID == "" {
		log.Println("Warning: VISITORID_ORG_ID is not set; syncs will be rejected by the identity service")
	}

	// Step 2: Create dependency injection container
	appContainer, err := container.NewContainer(settings)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	defer appContainer.Close()

	logger := appContainer.Logger
	logger.Startup().Info("Container created", "duration", time.Since(start))

	// Step 3: Boot the identity extension (registers handlers, loads state,
	// publishes the initial shared state) before any event flows.
	if err := appContainer.IdentityService.Boot(); err != nil {
		return fmt.Errorf("identity extension boot failed: %w", err)
	}

	// Step 4: Start the event worker and the hit queue
	go appContainer.Dispatcher.Run()
	appContainer.HitQueueService.Start()

	// Step 5: Start the ops surface
	var opsServer *server.Server
	if settings.OpsEnabled {
		opsServer = server.New(settings.OpsPort, appContainer)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Ops().Error("Ops server failed", "error", err.Error())
			}
		}()
	}

	logger.Startup().Info("Identity daemon ready",
		"opsEnabled", settings.OpsEnabled,
		"opsPort", settings.OpsPort,
		"duration", time.Since(start),
	)

	// Block until shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Shutdown().Info("Shutdown signal received")

	if opsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Stop(ctx); err != nil {
			logger.Shutdown().Warn("Ops server shutdown error", "error", err.Error())
		}
	}

	appContainer.HitQueueService.Stop()
	appContainer.Dispatcher.Stop()

	logger.Shutdown().Info("Identity daemon stopped", "uptime", time.Since(start))
	return nil
}
