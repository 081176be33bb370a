package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/auth"
	"github.com/camwatch/camwatch-server/internal/config"
)

// Issues a viewer or operator token signed with the server's jwt secret.
func main() {
	var configFile, subject, role string
	flag.StringVar(&configFile, "config", "config/camera-server.yml", "Configuration file path")
	flag.StringVar(&subject, "subject", "", "Token subject, recorded as initiatedBy on stream requests")
	flag.StringVar(&role, "role", auth.RoleViewer, "Token role: viewer or operator")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if subject == "" {
		log.Fatal().Msg("-subject is required")
	}
	if role != auth.RoleViewer && role != auth.RoleOperator {
		log.Fatal().Str("role", role).Msg("Unknown role")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	token, err := auth.NewJWTManager(&cfg.JWT).GenerateToken(subject, role)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate token")
	}
	fmt.Println(token)
}
