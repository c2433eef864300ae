package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-guard/internal/config"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"github.com/kursadbilgin/delivery-guard/internal/service"
)

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward queued escalations to the operator webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(cfg.LogLevel, "relay")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("rabbitmq initialization failed: %w", err)
			}
			consumer := queue.NewRabbitMQConsumer(mq, cfg.Prefetch, logger)
			defer consumer.Close() //nolint:errcheck

			forwarder, err := notify.NewWebhookSink(cfg.OperatorWebhookURL, cfg.ForwardTimeout, logger)
			if err != nil {
				return err
			}

			relay, err := service.NewEscalationRelay(consumer, forwarder, cfg.RelayConcurrency, logger)
			if err != nil {
				return err
			}

			logger.Info("escalation relay started", zap.Int("workers", cfg.RelayConcurrency))
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("escalation relay stopped")
			return nil
		},
	}
}
