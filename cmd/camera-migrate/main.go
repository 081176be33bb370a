package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/database"
)

func main() {
	var configFile string
	var steps int
	flag.StringVar(&configFile, "config", "config/camera-server.yml", "Configuration file path")
	flag.IntVar(&steps, "steps", 1, "Migrations to roll back with down, 0 for all")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] up|down|version\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn or DATABASE_URL is required")
	}

	switch flag.Arg(0) {
	case "up":
		err = database.MigrateUp(cfg.Database.DSN)
	case "down":
		err = database.MigrateDown(cfg.Database.DSN, steps)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = database.Version(cfg.Database.DSN)
		if err == nil {
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
		}
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("Migration failed")
	}
}
