package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/terminal-bench/assetguard/internal/alerts"
	"github.com/terminal-bench/assetguard/pkg/messaging"
)

type Config struct {
	NATSUrl        string
	AlertThreshold int
	AlertWindow    uint64
	AlertCooldown  uint64
}

func loadConfig() *Config {
	return &Config{
		NATSUrl:        getEnv("NATS_URL", "nats://localhost:4222"),
		AlertThreshold: int(getEnvUint("ALERT_THRESHOLD", 5)),
		AlertWindow:    getEnvUint("ALERT_WINDOW", 300),
		AlertCooldown:  getEnvUint("ALERT_COOLDOWN", 600),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func main() {
	cfg := loadConfig()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "alertsd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	watcher := alerts.NewWatcher(alerts.Config{
		Threshold: cfg.AlertThreshold,
		Window:    cfg.AlertWindow,
		Cooldown:  cfg.AlertCooldown,
	}, msgClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start alert watcher: %v", err)
	}
	log.Printf("Alert watcher running (threshold=%d window=%ds)", cfg.AlertThreshold, cfg.AlertWindow)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down alert watcher...")
	cancel()
	log.Println("Alert watcher stopped")
}
