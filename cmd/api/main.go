package main

import (
	"context"
	"log"

	"studybatch/internal/bootstrap"
	"studybatch/internal/shared/config"
	"studybatch/internal/shared/server"
)

func main() {
	cfg := config.Load()
	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	addr := server.Addr(cfg.Port)
	log.Printf("Starting API server on %s (provider=%s store=%s)", addr, app.Provider.Name(), cfg.ObjectStoreType)

	if err := app.Router.Run(addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
