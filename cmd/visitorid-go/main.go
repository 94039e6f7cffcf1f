package main

import (
	"log"

	"github.com/AtRiskMedia/visitorid-go/internal/application/startup"
)

func main() {
	if err := startup.Initialize(); err != nil {
		log.Fatalf("Identity daemon startup failed: %v", err)
	}

	log.Println("Identity daemon has shut down gracefully.")
}
