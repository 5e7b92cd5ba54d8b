// Command host runs one auction session as its coordinator.
//
// Usage:
//
//	go run ./cmd/host --config host.yaml --http :8090
//
// The session status is served at GET /sessions/{id}. The process exits once
// the session closed or aborted.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/auctionsession/api/httpserver"
	"github.com/flashbots/auctionsession/cmd/common"
	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/flashbots/auctionsession/services"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML host config file")
		httpAddr      = flag.String("http", ":8090", "HTTP listen address for the status API")
		listenAddr    = flag.String("listen", "", "Override the protocol listen address (ip:port)")
		engineAddr    = flag.String("engine", "", "Override the engine address published as party 1 (ip:port)")
		sessionID     = flag.Int("session", 0, "Override the session id")
		startingPrice = flag.Int("starting-price", 0, "Override the starting price")
		logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn or error")
		logJSON       = flag.Bool("log-json", false, "Log in JSON format")
	)
	flag.Parse()

	log, err := common.NewLogger(*logLevel, *logJSON)
	if err != nil {
		fmt.Printf("Logger error: %v\n", err)
		os.Exit(1)
	}

	if *configPath == "" {
		fmt.Println("Error: --config is required")
		os.Exit(1)
	}
	cfg, err := common.LoadHostConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr != "" {
		if cfg.Address, err = protocol.ParseAddress(*listenAddr); err != nil {
			fmt.Printf("Error: --listen: %v\n", err)
			os.Exit(1)
		}
	}
	if *engineAddr != "" {
		if cfg.EngineAddress, err = protocol.ParseAddress(*engineAddr); err != nil {
			fmt.Printf("Error: --engine: %v\n", err)
			os.Exit(1)
		}
	}
	if *sessionID != 0 {
		cfg.SessionID = *sessionID
	}
	if *startingPrice != 0 {
		cfg.StartingPrice = *startingPrice
	}

	ctx, cancel := common.SignalContext()
	defer cancel()

	hosts := services.NewHostAPI(log)
	session, err := hosts.Start(ctx, cfg, engine.NewPlaintext(log))
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	srv := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *httpAddr,
		Log:                      log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, hosts)
	srv.RunInBackground()
	defer srv.Shutdown()

	<-session.Done()

	result, winner, err := session.Outcome()
	if err != nil {
		log.Error("session failed", "session", cfg.SessionID, "err", err)
		return
	}
	log.Info("session finished", "session", cfg.SessionID, "winner_member", winner, "winner_party", result.WinnerPartyID, "price", result.FinalPrice)
}
