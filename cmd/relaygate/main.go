package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaygate/internal/config"
	"relaygate/internal/connection"
	"relaygate/internal/domain"
	"relaygate/internal/httpapi"
	"relaygate/internal/idempotency"
	"relaygate/internal/normalize"
	"relaygate/internal/outbound"
	"relaygate/internal/provider"
	"relaygate/internal/publish"
	"relaygate/internal/reconcile"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Local .env values feed the ${VAR} placeholders in the config file.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaygate",
		Short: "relaygate: channel-agnostic messaging integration gateway",
		Long:  "relaygate normalizes inbound channel traffic to canonical events, sends outbound messages exactly once per idempotency key, and reconciles CRM operator replies back to the source channel.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.relaygate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaygate " + version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. broker.enabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. poller.intervalSeconds 10)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("resulting config invalid: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (webhooks, send API, reconciliation poller)",
		Long:  "Starts the HTTP surface, connects the event publisher and idempotency store, and runs the CRM reconciliation poller. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := publish.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer publisher.Close()

	idemStore, err := idempotency.NewStore(cfg.Idempotency.DSN, cfg.IsProduction(), logger)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer idemStore.Close()

	clients, err := buildClients(cfg)
	if err != nil {
		return err
	}

	manager := connection.NewManager(clients, publisher, logger)
	defer manager.Close()

	orchestrator := outbound.NewOrchestrator(
		clients, manager, idemStore, publisher,
		time.Duration(cfg.Idempotency.TTLSeconds)*time.Second, logger)

	registry := normalize.NewRegistry()
	registry.Register(normalize.NewWhatsAppNormalizer())
	registry.Register(normalize.NewMessengerNormalizer())

	var forwarder httpapi.InboundForwarder
	if cfg.Providers.CRM.Enabled {
		crm := provider.NewCRMRestClient(cfg.Providers.CRM.WebhookURL, cfg.Providers.CRM.BotUserID, logger)

		mappings, err := reconcile.NewSQLiteMappingStore(cfg.Poller.DBPath)
		if err != nil {
			return fmt.Errorf("mapping store: %w", err)
		}
		defer mappings.Close()

		forwarder = reconcile.NewForwarder(crm, mappings, logger)

		if cfg.Poller.Enabled {
			poller := reconcile.NewPoller(crm, mappings, orchestrator, cfg.Providers.CRM.BotUserID,
				time.Duration(cfg.Poller.IntervalSeconds)*time.Second, logger)
			go poller.Run(ctx)
		}
	} else {
		logger.Info("crm reconciliation disabled")
	}

	server := httpapi.NewServer(cfg, registry, orchestrator, manager, publisher, forwarder, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("gateway started", "port", cfg.HTTP.Port, "environment", cfg.General.Environment)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildClients wires one provider client per enabled channel. Disabled
// channels get a stub so lifecycle endpoints still answer deterministically
// in development.
func buildClients(cfg *config.Config) (map[domain.Channel]domain.ProviderClient, error) {
	clients := make(map[domain.Channel]domain.ProviderClient)

	if cfg.Providers.WhatsApp.Enabled {
		if cfg.Providers.WhatsApp.BaseURL == "" {
			return nil, fmt.Errorf("whatsapp enabled without baseUrl")
		}
		clients[domain.ChannelWhatsApp] = provider.NewWhatsAppClient(
			cfg.Providers.WhatsApp.BaseURL, cfg.Providers.WhatsApp.APIKey, logger)
	} else if !cfg.IsProduction() {
		clients[domain.ChannelWhatsApp] = provider.NewStubClient(domain.ChannelWhatsApp)
	}

	if cfg.Providers.Messenger.Enabled {
		tg, err := provider.NewMessengerClient(cfg.Providers.Messenger.Token, logger)
		if err != nil {
			return nil, fmt.Errorf("messenger client: %w", err)
		}
		clients[domain.ChannelMessenger] = tg
	} else if !cfg.IsProduction() {
		clients[domain.ChannelMessenger] = provider.NewStubClient(domain.ChannelMessenger)
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no channels enabled")
	}
	return clients, nil
}
