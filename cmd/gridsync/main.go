package main

import (
	"context"
	"errors"
	goflag "flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/gridworks/gridsync/internal/gridsync"
	"github.com/gridworks/gridsync/internal/httpapi"
	"github.com/gridworks/gridsync/internal/hub"
)

type fileConfig struct {
	Addr              string        `yaml:"addr"`
	StateDSN          string        `yaml:"stateDsn"`
	ChangeLogDSN      string        `yaml:"changeLogDsn"`
	JWTSecret         string        `yaml:"jwtSecret"`
	EnableDevToken    bool          `yaml:"enableDevToken"`
	RateLimitMax      int           `yaml:"rateLimitMax"`
	RateLimitWindow   time.Duration `yaml:"rateLimitWindow"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`
	SessionBuffer     int           `yaml:"sessionBuffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
	MaxRows           int           `yaml:"maxRows"`
	MaxCols           int           `yaml:"maxCols"`
}

func main() {
	var configPath string
	flags := pflag.NewFlagSet("gridsync", pflag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "path to yaml config file")
	addr := flags.String("addr", "", "listen address (overrides config)")
	stateDSN := flags.String("state-dsn", "", "state backend dsn (overrides config)")
	flags.AddGoFlagSet(goflag.CommandLine)
	_ = flags.Parse(os.Args[1:])
	defer glog.Flush()

	cfg := loadConfig(configPath)
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *stateDSN != "" {
		cfg.StateDSN = *stateDSN
	}
	applyEnvOverrides(&cfg)
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	stateBackend, err := gridsync.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		glog.Exitf("failed to initialize state backend: %v", err)
	}
	var changeLog gridsync.ChangeLogSink
	if cfg.ChangeLogDSN != "" {
		changeLog, err = gridsync.BuildChangeLogFromDSN(cfg.ChangeLogDSN)
		if err != nil {
			glog.Exitf("failed to initialize change log: %v", err)
		}
	}

	store := gridsync.NewStoreWithOptions(gridsync.StoreOptions{
		StateBackend: stateBackend,
		ChangeLog:    changeLog,
		MaxRows:      cfg.MaxRows,
		MaxCols:      cfg.MaxCols,
	})
	defer store.Close()

	registry := hub.NewRegistry()
	server := httpapi.NewServerWithConfig(store, registry, httpapi.ServerConfig{
		JWTSecret:         cfg.JWTSecret,
		EnableDevToken:    cfg.EnableDevToken,
		RateLimitMax:      cfg.RateLimitMax,
		RateLimitWindow:   cfg.RateLimitWindow,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		SessionBuffer:     cfg.SessionBuffer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("gridsync listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Exitf("server failed: %v", err)
	}
	glog.Info("gridsync stopped")
}

func loadConfig(path string) fileConfig {
	var cfg fileConfig
	if strings.TrimSpace(path) == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		glog.Exitf("failed to read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		glog.Exitf("failed to parse config %s: %v", path, err)
	}
	return cfg
}

func applyEnvOverrides(cfg *fileConfig) {
	if v := os.Getenv("GRIDSYNC_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("GRIDSYNC_STATE_DSN"); v != "" {
		cfg.StateDSN = v
	}
	if v := os.Getenv("GRIDSYNC_CHANGE_LOG_DSN"); v != "" {
		cfg.ChangeLogDSN = v
	}
	if v := os.Getenv("GRIDSYNC_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("GRIDSYNC_ENABLE_DEV_TOKEN"); v != "" {
		cfg.EnableDevToken = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("GRIDSYNC_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
	cfg.RateLimitMax = intEnv("GRIDSYNC_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("GRIDSYNC_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.MaxBodyBytes = int64Env("GRIDSYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.SessionBuffer = intEnv("GRIDSYNC_SESSION_BUFFER", cfg.SessionBuffer)
	cfg.HeartbeatInterval = durationEnv("GRIDSYNC_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.MaxRows = intEnv("GRIDSYNC_MAX_ROWS", cfg.MaxRows)
	cfg.MaxCols = intEnv("GRIDSYNC_MAX_COLS", cfg.MaxCols)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
