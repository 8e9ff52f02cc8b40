package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"thermoproxy/internal/api"
	"thermoproxy/internal/clock"
	"thermoproxy/internal/config"
	"thermoproxy/internal/ha"
	"thermoproxy/internal/metrics"
	"thermoproxy/internal/proxy"
	"thermoproxy/internal/restore"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	configDir := envOr("CONFIG_DIR", "config")
	stateDB := envOr("STATE_DB", "thermoproxy.db")
	apiPort := envIntOr("API_PORT", 8081, logger)

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	logger.Info("Starting Thermostat Proxy",
		zap.String("url", haURL),
		zap.String("config_dir", configDir))

	metrics.Init(os.Getenv("STATSD_ADDR"), logger)
	defer metrics.Close()

	// Load proxy definitions
	loader := config.NewLoader(configDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	proxiesConfig := loader.GetProxiesConfig()

	// Open the restore store so targets and sensor selections survive restarts
	store, err := restore.Open(stateDB, logger)
	if err != nil {
		logger.Fatal("Failed to open restore store", zap.Error(err))
	}
	defer store.Close()

	// Create HA client
	client := ha.NewClient(haURL, haToken, logger)

	// Connect to Home Assistant
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	// Build and start the proxies
	clk := clock.NewRealClock()
	var proxies []*proxy.Proxy
	for _, pc := range proxiesConfig.Proxies {
		p, err := proxy.New(pc, client, store, clk, logger)
		if err != nil {
			logger.Fatal("Invalid proxy configuration",
				zap.String("proxy", pc.Name), zap.Error(err))
		}
		if err := p.Start(); err != nil {
			logger.Fatal("Failed to start proxy",
				zap.String("proxy", pc.Name), zap.Error(err))
		}
		proxies = append(proxies, p)
	}

	// Serve diagnostics and caller operations over HTTP
	apiServer := api.NewServer(proxies, logger, apiPort)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.Int("proxies", len(proxies)))

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if err := apiServer.Stop(); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
	for _, p := range proxies {
		p.Stop()
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOr(key string, fallback int, logger *zap.Logger) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn("Ignoring unparsable environment variable",
			zap.String("key", key), zap.String("value", value))
		return fallback
	}
	return parsed
}
