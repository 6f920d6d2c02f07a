// Package bootstrap assembles the chat service from configuration. The HTTP
// server and the job worker share it.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/chat"
	"github.com/suPer8Hu/polychat/internal/config"
	"github.com/suPer8Hu/polychat/internal/crypto"
	"github.com/suPer8Hu/polychat/internal/db"
	"github.com/suPer8Hu/polychat/internal/stream"
	"github.com/suPer8Hu/polychat/internal/store/redisstore"
	"gorm.io/gorm"
)

type App struct {
	DB      *gorm.DB
	Repo    *chat.Repo
	Service *chat.Service
	Tracker *stream.Tracker
	// Redis is nil unless STREAM_CACHE=redis.
	Redis *redisstore.Store
}

// NewCipher returns nil when no credential key is configured; stored keys are
// then kept as given.
func NewCipher(cfg config.Config) (*crypto.Manager, error) {
	if cfg.CredentialKeyB64 == "" {
		return nil, nil
	}
	key, err := crypto.DecodeKey(cfg.CredentialKeyB64)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	id := cfg.CredentialKeyID
	if id == "" {
		id = "k1"
	}
	return crypto.NewManager(id, map[string][]byte{id: key})
}

// NewRegistry registers every supported provider. Process-wide API keys are
// used when a user has no stored default key.
func NewRegistry(cfg config.Config, store ai.CredentialStore) *ai.Registry {
	retries := cfg.ProviderMaxRetries
	reg := ai.NewRegistry(store)

	reg.Register("openai", func(ctx context.Context, cred ai.Credential) (ai.Provider, error) {
		p := ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cred.APIKey)
		p.SetMaxRetries(retries)
		return p, nil
	})
	reg.Register("deepseek", func(ctx context.Context, cred ai.Credential) (ai.Provider, error) {
		p := ai.NewDeepSeekProvider(cfg.DeepSeekBaseURL, cred.APIKey)
		p.SetMaxRetries(retries)
		return p, nil
	})
	reg.Register("openrouter", func(ctx context.Context, cred ai.Credential) (ai.Provider, error) {
		p := ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cred.APIKey, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
		p.SetMaxRetries(retries)
		return p, nil
	})
	reg.Register("anthropic", func(ctx context.Context, cred ai.Credential) (ai.Provider, error) {
		p := ai.NewAnthropicProvider(cfg.AnthropicBaseURL, cred.APIKey)
		p.SetMaxRetries(retries)
		return p, nil
	})
	reg.Register("google", func(ctx context.Context, cred ai.Credential) (ai.Provider, error) {
		p := ai.NewGoogleProvider(cfg.GoogleBaseURL, cred.APIKey)
		p.SetMaxRetries(retries)
		return p, nil
	})
	// Register Ollama (default, local, no key)
	reg.Register("ollama", func(ctx context.Context, cred ai.Credential) (ai.Provider, error) {
		p := ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel)
		p.SetMaxRetries(retries)
		return p, nil
	}, ai.WithoutCredential())

	reg.SetFallbackKey("openai", cfg.OpenAIAPIKey)
	reg.SetFallbackKey("deepseek", cfg.DeepSeekAPIKey)
	reg.SetFallbackKey("openrouter", cfg.OpenRouterAPIKey)
	reg.SetFallbackKey("anthropic", cfg.AnthropicAPIKey)
	reg.SetFallbackKey("google", cfg.GoogleAPIKey)
	return reg
}

// New connects the database, migrates it and builds the service.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb, chat.Models()...); err != nil {
		return nil, err
	}
	app, err := NewWithDB(ctx, cfg, gdb, logger)
	if err != nil {
		closeDB(gdb)
		return nil, err
	}
	return app, nil
}

func NewWithDB(ctx context.Context, cfg config.Config, gdb *gorm.DB, logger zerolog.Logger) (*App, error) {
	cipher, err := NewCipher(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{DB: gdb, Repo: chat.NewRepo(gdb)}
	keys := chat.NewKeyRing(app.Repo, cipher)
	reg := NewRegistry(cfg, keys)

	tcfg := stream.TrackerConfig{
		IdleTimeout: cfg.StreamIdleTimeout,
		Retention:   cfg.StreamRetention,
		Logger:      logger.With().Str("component", "tracker").Logger(),
	}
	switch cfg.StreamCache {
	case "", "memory":
	case "redis":
		app.Redis = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := app.Redis.Ping(pctx)
		cancel()
		if err != nil {
			_ = app.Redis.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		tcfg.Cache = app.Redis
	default:
		return nil, fmt.Errorf("unsupported STREAM_CACHE=%q", cfg.StreamCache)
	}
	app.Tracker = stream.NewTracker(tcfg)

	relay := stream.NewRelay(stream.RelayConfig{
		IdleTimeout: cfg.StreamIdleTimeout,
		MaxDuration: cfg.StreamMaxDuration,
		Logger:      logger.With().Str("component", "relay").Logger(),
	})

	app.Service = chat.NewService(app.Repo, reg, keys, app.Tracker, relay, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		DefaultProvider:   "ollama",
		DefaultModel:      cfg.OllamaModel,
		Logger:            logger.With().Str("component", "chat").Logger(),
	})
	return app, nil
}

func (a *App) Close() error {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	closeDB(a.DB)
	return nil
}

func closeDB(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
