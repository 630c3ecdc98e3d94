package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ideaforge/internal/accounttoken"
	"ideaforge/internal/util"
	"ideaforge/pkg/ai"
	"ideaforge/pkg/storage"
	"ideaforge/pkg/store"
	"ideaforge/pkg/vault"
	"ideaforge/services/expander/internal/app"
	"ideaforge/services/expander/internal/config"
	"ideaforge/services/expander/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	key, err := vault.ParseKey(cfg.EncryptionKey)
	if err != nil {
		util.Fatal("invalid encryption key", "err", err)
	}
	credentialVault, err := vault.New(key)
	if err != nil {
		util.Fatal("failed to init vault", "err", err)
	}
	if !credentialVault.RoundTrip() {
		util.Fatal("vault round-trip self check failed")
	}

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := accounttoken.NewVerifier(accounttoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	invoker := ai.NewInvoker()
	if err := registerProvider(invoker, cfg.Primary); err != nil {
		util.Fatal("failed to init primary provider", "err", err)
	}
	if err := registerProvider(invoker, cfg.Fallback); err != nil {
		util.Fatal("failed to init fallback provider", "err", err)
	}

	var artifacts storage.ArtifactStore
	if cfg.MinioEndpoint != "" {
		artifacts, err = storage.NewMinioArtifactStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init artifact store", "err", err)
		}
	}

	var statusCache *store.RedisStatusCache
	if cfg.RedisAddr != "" {
		statusCache, err = store.NewRedisStatusCache(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			util.Fatal("failed to init status cache", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Vault:       credentialVault,
		Invoker:     invoker,
		InvokeConfig: ai.InvokeConfig{
			Primary:  providerConfig(cfg.Primary),
			Fallback: providerConfig(cfg.Fallback),
		},
		Artifacts:          artifacts,
		StatusCache:        statusCache,
		InitialFreeCredits: cfg.InitialFreeCredits,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("expander server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func registerProvider(invoker *ai.Invoker, pc config.ProviderConfig) error {
	switch pc.Provider {
	case "gemini":
		gen, err := ai.NewGeminiGenerator(pc.APIKey, pc.BaseURL)
		if err != nil {
			return err
		}
		invoker.Register(pc.Provider, gen)
	default:
		// Everything else speaks the OpenAI-compatible chat API.
		invoker.Register(pc.Provider, ai.NewOpenAICompatGenerator(pc.BaseURL, pc.APIKey))
	}
	return nil
}

func providerConfig(pc config.ProviderConfig) ai.ProviderConfig {
	return ai.ProviderConfig{
		Provider:    pc.Provider,
		Model:       pc.Model,
		Temperature: pc.Temperature,
	}
}
