package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridbot/api"
	"gridbot/config"
	"gridbot/engine"
	"gridbot/exchange"
	"gridbot/logger"
)

func main() {
	// .env is optional, environment variables win either way
	if err := godotenv.Load(); err != nil {
		logger.Debugf("no .env file loaded: %v", err)
	}

	cfg := config.Load()
	if err := logger.InitWithSimpleConfig(cfg.LogLevel); err != nil {
		logger.Fatalf("logger init failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("%v", err)
	}

	logger.Infof("gridbot starting: %v on %s", cfg.Symbols, cfg.BaseURL)

	client := exchange.NewEdgexClient(cfg.BaseURL, edgexAuth())
	eng := engine.New(cfg, client)
	if err := eng.Start(); err != nil {
		logger.Fatalf("engine start failed: %v", err)
	}

	server := api.NewServer(eng.Monitor(), eng.Ledger(), cfg.APIServerPort)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("api server: %v", err)
		}
	}()

	// block until SIGINT/SIGTERM, then unwind in reverse order
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	if err := server.Shutdown(); err != nil {
		logger.Warnf("api server shutdown: %v", err)
	}
	eng.Stop()
	logger.Info("goodbye")
}
