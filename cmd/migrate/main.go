package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"webhookd/internal/pkg/logger"
	"webhookd/internal/platform/config"
	"webhookd/internal/platform/database"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db.DB); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Str("driver", db.Driver).Msg("Migration completed successfully")
}
