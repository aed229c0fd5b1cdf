// Package main is the entry point of the task orchestration server. It
// wires configuration, database, migrations, the queue scheduler with its
// worker pools and watchdog, and the HTTP management surface.
package main

import (
	"context"
	"log"
)

func main() {
	app, err := newApplication(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
