// Command member joins auction sessions on behalf of one participant.
//
// Usage:
//
//	go run ./cmd/member --config member.yaml --http :8091
//
// Sessions are joined through the HTTP API, either by address (POST /sessions)
// or by catalog entry (POST /auctions/{id}/join) when --auctions names a YAML
// catalog. Tasks are kept in memory unless --postgres is given.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/auctionsession/api/httpserver"
	"github.com/flashbots/auctionsession/cmd/common"
	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/member"
	"github.com/flashbots/auctionsession/services"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML member config file (defaults if empty)")
		httpAddr    = flag.String("http", ":8091", "HTTP listen address for the member API")
		catalogPath = flag.String("auctions", "", "Path to YAML auction catalog")
		postgresDSN = flag.String("postgres", "", "PostgreSQL DSN for task persistence")
		memberID    = flag.Int("member-id", 0, "Override the member id")
		emulator    = flag.Bool("emulator", false, "Reach the host through the emulator loopback address")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
		logJSON     = flag.Bool("log-json", false, "Log in JSON format")
	)
	flag.Parse()

	log, err := common.NewLogger(*logLevel, *logJSON)
	if err != nil {
		fmt.Printf("Logger error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := common.LoadMemberConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *memberID != 0 {
		cfg.MemberID = *memberID
	}
	if *emulator {
		cfg.Emulator = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	catalog, err := common.LoadCatalog(*catalogPath)
	if err != nil {
		fmt.Printf("Error loading catalog: %v\n", err)
		os.Exit(1)
	}

	var store member.TaskStore = services.NewMemoryTaskStore()
	if *postgresDSN != "" {
		pg, err := services.NewPostgresTaskStore(&services.PostgresConfig{DSN: *postgresDSN})
		if err != nil {
			fmt.Printf("Database error: %v\n", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	}

	registry := member.NewRegistry(cfg, store, engine.NewPlaintext(log), log)
	defer registry.Close()

	srv := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *httpAddr,
		Log:                      log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, services.NewMemberAPI(registry, store, log, services.WithCatalog(catalog)))
	srv.RunInBackground()
	defer srv.Shutdown()

	log.Info("member ready", "member", cfg.MemberID, "ports", cfg.EvalPorts, "auctions", len(catalog.Auctions()), "http", *httpAddr)

	ctx, cancel := common.SignalContext()
	defer cancel()
	<-ctx.Done()
	log.Info("shutting down")
}
