package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/bundir/internal/api"
	"github.com/kartikbazzad/bundir/internal/auth"
	"github.com/kartikbazzad/bundir/internal/db"
	"github.com/kartikbazzad/bundir/internal/directory"
	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/internal/tenant"
	"github.com/kartikbazzad/bundir/pkg/config"
	"github.com/kartikbazzad/bundir/pkg/logger"
)

// AppConfig holds the service configuration
type AppConfig struct {
	Port int `mapstructure:"port"`
	Log  struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Store struct {
		Backend      string `mapstructure:"backend"` // memory, bundoc
		URL          string `mapstructure:"url"`
		PollInterval int    `mapstructure:"pollinterval"` // milliseconds
	} `mapstructure:"store"`
	JWT struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"jwt"`
	Workspace struct {
		Default string `mapstructure:"default"`
	} `mapstructure:"workspace"`
	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`
}

func main() {
	// 1. Defaults for local development
	config.SetDefaultEnv("BUNDIR_PORT", "8086")
	config.SetDefaultEnv("BUNDIR_LOG_LEVEL", "INFO")
	config.SetDefaultEnv("BUNDIR_STORE_BACKEND", "memory")
	config.SetDefaultEnv("BUNDIR_STORE_URL", "http://bundoc-server:8080")
	config.SetDefaultEnv("BUNDIR_RATELIMIT_RPS", "100")
	config.SetDefaultEnv("BUNDIR_RATELIMIT_BURST", "200")

	// 2. Load Config
	var cfg AppConfig
	if err := config.Load("BUNDIR_", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 3. Initialize Logger
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logger.Get()
	log.Info("Starting Bundir Service...")

	// 4. Connect to the document store
	var st store.Store
	switch cfg.Store.Backend {
	case "bundoc":
		client := db.NewClient(cfg.Store.URL, time.Duration(cfg.Store.PollInterval)*time.Millisecond)
		defer client.Close()
		st = client
		log.Info("Using Bundoc store", "url", cfg.Store.URL)
	default:
		st = store.NewMemory()
		log.Info("Using in-memory store (dev mode)")
	}

	// 5. Tenant resolution
	session, err := tenant.NewSession(0)
	if err != nil {
		log.Error("Failed to create session context", "error", err)
		os.Exit(1)
	}
	reader := tenant.NewIndexReader(st)
	resolver := tenant.NewResolver(reader, session, cfg.Workspace.Default)

	// 6. Directory service
	dirs, err := directory.NewService(st)
	if err != nil {
		log.Error("Failed to create directory service", "error", err)
		os.Exit(1)
	}
	defer dirs.Close()

	// 7. HTTP surface
	handler := api.NewHandler(resolver, session, dirs, st, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	defer handler.Shutdown()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", auth.Middleware([]byte(cfg.JWT.Secret))(handler))

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("Listening on HTTP", "addr", addr, "default_workspace", cfg.Workspace.Default)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
