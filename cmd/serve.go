package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"muse/pkg/auth"
	"muse/pkg/bus"
	"muse/pkg/channel"
	"muse/pkg/channel/discord"
	"muse/pkg/channel/telegram"
	"muse/pkg/config"
	"muse/pkg/gateway"
	"muse/pkg/logger"
	"muse/pkg/relay"
	"muse/pkg/upstream"

	"github.com/spf13/cobra"
)

const busBufferSize = 64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inspiration relay",
	Long:  "Serves slash-command and plain-text HTTP routes plus any enabled chat bot channels, with health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		adapters, err := enabledAdapters(cfg, appLogger)
		if err != nil {
			log.Error("Channel configuration invalid", "error", err)
			return err
		}

		client, err := upstream.New(cfg.Upstream, nil, appLogger)
		if err != nil {
			return fmt.Errorf("initialize upstream client: %w", err)
		}

		messageBus := bus.NewMessageBus(busBufferSize)
		defer messageBus.Close()

		secrets := auth.NewSecretSet(cfg.Auth.Tokens)
		orchestrator, err := relay.New(auth.New(secrets), client, messageBus, appLogger)
		if err != nil {
			return fmt.Errorf("initialize relay: %w", err)
		}

		svc, err := gateway.NewService(cfg, orchestrator, messageBus, adapters, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Relay started",
			"address", cfg.ListenAddress(),
			"channels", enabledChannelNames(adapters),
			"tokens", secrets.Len(),
			"upstream", client.URL(),
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Relay runtime failed", "error", err)
			return err
		}

		log.Info("Relay stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// enabledAdapters builds the bot channels switched on in cfg. An empty result
// runs the relay over HTTP only.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, log)
		if err != nil {
			return nil, fmt.Errorf("configure discord channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	if len(adapters) == 0 {
		return "http"
	}

	names := make([]string, 0, len(adapters)+1)
	names = append(names, "http")
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
