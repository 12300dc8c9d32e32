// Package main is the entry point for the Mailgun webhook bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/mailgun-bridge/internal/config"
	"github.com/shineum/mailgun-bridge/internal/provider"
	"github.com/shineum/mailgun-bridge/internal/provider/discourse"
	"github.com/shineum/mailgun-bridge/internal/provider/graph"
	"github.com/shineum/mailgun-bridge/internal/provider/ses"
	"github.com/shineum/mailgun-bridge/internal/provider/smtprelay"
	"github.com/shineum/mailgun-bridge/internal/provider/stdout"
	"github.com/shineum/mailgun-bridge/internal/server"
	bridgetls "github.com/shineum/mailgun-bridge/internal/tls"
	"github.com/shineum/mailgun-bridge/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to a dotenv file loaded before configuration (optional)")
	flag.Parse()

	// A missing .env is normal in containers.
	_ = godotenv.Load(*envFile)

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tlsConfig, err := bridgetls.Load(cfg.TLS.Mode, cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "error", err)
		os.Exit(1)
	}

	tokens, closeTokens, err := selectTokenStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to create replay store", "error", err)
		os.Exit(1)
	}
	defer closeTokens()

	srv := server.New(server.Config{
		ListenAddr: cfg.HTTP.Listen,
		TLSConfig:  tlsConfig,
		Handler: server.HandlerConfig{
			IncomingPath:   cfg.IncomingPath(),
			MaxBodySize:    cfg.HTTP.MaxBodySize,
			MaxAttachments: cfg.Mailgun.MaxAttachments,
			ForwardTimeout: cfg.HTTP.ForwardTimeout,
			Verifier:       webhook.NewVerifier(cfg.Mailgun.SigningKey),
			Tokens:         tokens,
			Provider:       prov,
		},
	})

	slog.Info("starting mailgun-bridge",
		"listen", cfg.HTTP.Listen,
		"path", cfg.IncomingPath(),
		"provider", prov.Name(),
		"replay_store", tokens.Name(),
		"tls_mode", cfg.TLS.Mode,
	)

	// Start the server (blocks until context is cancelled)
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailgun-bridge stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectProvider builds the forwarding target named by the configuration.
// Without an explicit provider, discourse is used when configured and
// stdout otherwise.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch name := cfg.ProviderName(); name {
	case config.ProviderDiscourse:
		p := discourse.New(discourse.Config{
			BaseURL:     cfg.Discourse.BaseURL,
			APIKey:      cfg.Discourse.APIKey,
			APIUsername: cfg.Discourse.APIUsername,
		})
		slog.Info("using Discourse provider",
			"endpoint", p.Endpoint(),
			"api_username", cfg.Discourse.APIUsername,
		)
		return p, nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		return ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
			Recipients:      cfg.SES.Recipients,
		})

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderSMTP:
		slog.Info("using SMTP relay provider",
			"addr", cfg.SMTPRelay.Addr,
			"security", cfg.SMTPRelay.Security,
		)
		return smtprelay.New(smtprelay.Config{
			Addr:       cfg.SMTPRelay.Addr,
			Username:   cfg.SMTPRelay.Username,
			Password:   cfg.SMTPRelay.Password,
			Security:   cfg.SMTPRelay.Security,
			Sender:     cfg.SMTPRelay.Sender,
			Recipients: cfg.SMTPRelay.Recipients,
			Helo:       cfg.SMTPRelay.Helo,
		})

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(cfg.Logging.Level == "debug"), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// selectTokenStore builds the replay guard backend. The returned func
// releases it.
func selectTokenStore(ctx context.Context, cfg *config.Config) (webhook.TokenStore, func(), error) {
	switch cfg.Replay.Backend {
	case config.ReplayMemory:
		return webhook.NewMemoryStore(), func() {}, nil
	case config.ReplayNone:
		slog.Warn("replay protection disabled")
		return webhook.NopStore{}, func() {}, nil
	case config.ReplayRedis:
		s, err := webhook.NewRedisStore(ctx, webhook.RedisOptions{
			Addr:     cfg.Replay.RedisAddr,
			Password: cfg.Replay.RedisPassword,
			DB:       cfg.Replay.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("failed to close redis client", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown replay backend %q", cfg.Replay.Backend)
	}
}
