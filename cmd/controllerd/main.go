package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/terminal-bench/assetguard/internal/audit"
	"github.com/terminal-bench/assetguard/internal/auth"
	"github.com/terminal-bench/assetguard/internal/controller"
	"github.com/terminal-bench/assetguard/internal/gateway"
	"github.com/terminal-bench/assetguard/internal/store"
	"github.com/terminal-bench/assetguard/pkg/clock"
	"github.com/terminal-bench/assetguard/pkg/messaging"
)

type Config struct {
	Port           string
	RedisAddr      string
	DatabaseURL    string
	NATSUrl        string
	JWTSecret      string
	TokenTTL       time.Duration
	LedgerInterval uint64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func loadConfig() *Config {
	return &Config{
		Port:           getEnv("PORT", "8000"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		NATSUrl:        getEnv("NATS_URL", ""),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		TokenTTL:       24 * time.Hour,
		LedgerInterval: getEnvUint("LEDGER_INTERVAL", 5),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
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

	// Configuration and activity store: redis if configured, memory otherwise.
	var st store.Store
	if cfg.RedisAddr != "" {
		rs := store.NewRedis(cfg.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rs.Ping(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		cancel()
		defer rs.Close()
		st = rs
		log.Printf("Using redis store at %s", cfg.RedisAddr)
	} else {
		st = store.NewMemory()
		log.Println("Using in-memory store")
	}

	// Audit log is optional.
	var auditor *audit.Recorder
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()

		auditor = audit.NewRecorder(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := auditor.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure audit schema: %v", err)
		}
		cancel()
	}

	// Event fan-out is optional.
	var msgClient *messaging.Client
	if cfg.NATSUrl != "" {
		var err error
		msgClient, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSUrl,
			Name:           "controllerd",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
	}

	engine := controller.NewEngine(st)
	authSvc := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	gw := gateway.NewGateway(engine, authSvc, clock.NewSystemClock(), msgClient, auditor, gateway.Config{
		LedgerInterval: cfg.LedgerInterval,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Printf("Controller starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start controller: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Controller shutdown error: %v", err)
	}

	log.Println("Controller stopped")
}
