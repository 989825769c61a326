package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"velvet/internal/app"
	"velvet/internal/config"
	"velvet/internal/ratelimit"
	"velvet/internal/server"
	"velvet/internal/util"
	"velvet/pkg/ai"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	generator := newGenerator(cfg)

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		JWTSecret:         cfg.JWTSecret,
		SessionTTL:        time.Duration(cfg.JWTTTLHours) * time.Hour,
		Generator:         generator,
		GenTimeout:        time.Duration(cfg.GeneratorTimeoutSeconds) * time.Second,
		MaxOutputTokens:   cfg.GeneratorMaxTokens,
		UploadDir:         cfg.UploadDir,
		ReportDir:         cfg.ReportDir,
		MaxFileSizeMB:     cfg.MaxFileSizeMB,
		MaxUploadSizeMB:   cfg.MaxUploadSizeMB,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	limiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "velvet:ratelimit",
		cfg.RateLimitPerMinute, time.Minute,
	)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		AuthLimiter:    limiter,
		TrustedProxies: trusted,
		MaxUploadBytes: int64(cfg.MaxUploadSizeMB) << 20,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("velvet server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newGenerator(cfg config.FileConfig) ai.TextGenerator {
	switch cfg.GeneratorProvider {
	case "openai":
		return ai.NewOpenAICompatGenerator(cfg.GeneratorBaseURL, cfg.GeneratorAPIKey, cfg.GeneratorModel)
	default:
		return ai.NewAnthropicGenerator(cfg.GeneratorBaseURL, cfg.GeneratorAPIKey, cfg.GeneratorModel)
	}
}
