package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"eve-quantum/internal/api"
	"eve-quantum/internal/auth"
	"eve-quantum/internal/config"
	"eve-quantum/internal/db"
	"eve-quantum/internal/esi"
	"eve-quantum/internal/logger"
	"eve-quantum/internal/sde"
)

var version = "dev"

func main() {
	port := flag.Int("port", 13380, "HTTP server port")
	flag.Parse()

	logger.Banner(version)

	configDir, err := config.Dir()
	if err != nil {
		logger.Error("Config", fmt.Sprintf("Resolve config dir: %v", err))
		os.Exit(1)
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		logger.Error("Config", fmt.Sprintf("Load failed: %v", err))
		os.Exit(1)
	}

	wd, _ := os.Getwd()
	dataDir := filepath.Join(wd, "data")

	stores, err := db.Open(dataDir)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer stores.Close()

	// ESI SSO credentials come from the environment; without them stored
	// characters cannot refresh tokens but everything else still works.
	sso := &auth.SSOConfig{
		ClientID:     os.Getenv("ESI_CLIENT_ID"),
		ClientSecret: os.Getenv("ESI_CLIENT_SECRET"),
	}
	accounts := auth.NewCharacterStore(stores.Character, sso)
	esiClient := esi.NewClient(accounts, cfg.General.UserAgent)

	srv := api.NewServer(cfg, configDir, esiClient, stores, accounts)

	// Load the SDE in the background so the server comes up immediately.
	go func() {
		reader, err := sde.Open(dataDir)
		if err != nil {
			logger.Error("SDE", fmt.Sprintf("Load failed: %v", err))
			return
		}
		srv.SetSDE(reader)
		logger.Success("SDE", "Industry data ready")
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	logger.Info("Server", fmt.Sprintf("Listening on http://%s", addr))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("Server", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
}
