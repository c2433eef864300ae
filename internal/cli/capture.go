package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-guard/internal/capture"
	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/config"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
)

func newCaptureCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Client-side capture queue that survives backend outages",
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to capture YAML config")

	cmd.AddCommand(newCaptureSubmitCmd(&cfgPath))
	cmd.AddCommand(newCaptureSweepCmd(&cfgPath))
	cmd.AddCommand(newCaptureListCmd(&cfgPath))
	cmd.AddCommand(newCaptureRunCmd(&cfgPath))

	return cmd
}

func newCaptureSubmitCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit key=value [key=value...]",
		Short: "Capture one submission and try to deliver it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseFields(args)
			if err != nil {
				return err
			}

			return withFailsafe(cmd, *cfgPath, func(ctx context.Context, fs *capture.Failsafe) error {
				receipt, err := fs.Submit(ctx, payload)
				if err != nil {
					return err
				}
				fs.Wait()

				status := "delivered"
				if record, err := fs.Get(ctx, receipt.ID); err == nil {
					status = record.Status.String()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "captured %s status=%s\n", receipt.ID, status)
				return nil
			})
		},
	}
}

func newCaptureSweepCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry every queued submission once and drop expired ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFailsafe(cmd, *cfgPath, func(ctx context.Context, fs *capture.Failsafe) error {
				report, err := fs.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d resolved=%d failed=%d exhausted=%d removed=%d backlog=%d\n",
					report.Attempted, report.Resolved, report.Failed, report.Exhausted, report.Removed, report.Backlog)
				return nil
			})
		},
	}
}

func newCaptureListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show queued submissions in sweep order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFailsafe(cmd, *cfgPath, func(ctx context.Context, fs *capture.Failsafe) error {
				records, err := fs.List(ctx)
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
}

func newCaptureRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sweep the queue periodically until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFailsafe(cmd, *cfgPath, func(ctx context.Context, fs *capture.Failsafe) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				// SIGHUP is the "network is back" signal.
				online := make(chan os.Signal, 1)
				signal.Notify(online, syscall.SIGHUP)
				defer signal.Stop(online)
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-online:
							fs.NotifyOnline()
						}
					}
				}()

				if err := fs.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
}

// withFailsafe opens the configured stores, runs fn and closes everything.
func withFailsafe(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, fs *capture.Failsafe) error) error {
	cfg, err := config.LoadCapture(cfgPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "capture")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fs, closeFn, err := openFailsafe(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, fs)
}

func openFailsafe(ctx context.Context, cfg config.CaptureConfig, logger *zap.Logger) (*capture.Failsafe, func(), error) {
	var primaryStore, secondaryStore capture.Store
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if path := strings.TrimSpace(cfg.Store.SQLitePath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create capture data dir: %w", err)
		}
		store, err := capture.OpenSQLite(ctx, path, logger)
		if err != nil {
			logger.Error("sqlite capture store unavailable, using spool only", zap.Error(err))
		} else {
			primaryStore = store
			closers = append(closers, func() { _ = store.Close() })
		}
	}
	if dir := strings.TrimSpace(cfg.Store.SpoolDir); dir != "" {
		store, err := capture.NewSpoolStore(dir, logger)
		if err != nil {
			logger.Error("spool capture store unavailable", zap.Error(err))
		} else {
			secondaryStore = store
		}
	}
	if primaryStore == nil && secondaryStore == nil {
		closeAll()
		return nil, nil, capture.ErrNotCaptured
	}

	primary, err := capture.NewPrimaryTransport(cfg.Primary.URL, cfg.Primary.Timeout, cfg.Primary.AuthToken)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	var fallback capture.Transport
	if strings.TrimSpace(cfg.Fallback.URL) != "" {
		fb, err := capture.NewFallbackTransport(cfg.Fallback.URL, cfg.Fallback.Timeout, cfg.Fallback.Subject)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		fallback = fb
	}

	sinks := notify.MultiSink{notify.NewLogSink(logger, nil)}
	if strings.TrimSpace(cfg.Operator.URL) != "" {
		webhookSink, err := notify.NewWebhookSink(cfg.Operator.URL, cfg.Operator.Timeout, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, webhookSink)
	}
	async := notify.NewAsyncSink(sinks, 2, cfg.Operator.Timeout, logger)
	closers = append(closers, async.Wait)

	fs, err := capture.NewFailsafe(primaryStore, secondaryStore, primary, fallback, async, capture.Config{
		SweepInterval: cfg.Sweep.Interval,
		MaxRetries:    cfg.Sweep.MaxRetries,
		Retention:     cfg.Sweep.Retention,
	}, clock.Real(), logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, fs.Wait)

	return fs, closeAll, nil
}

// parseFields turns key=value arguments into a capture payload.
func parseFields(args []string) (map[string]string, error) {
	payload := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: field %q must look like key=value", domain.ErrValidation, arg)
		}
		payload[key] = value
	}
	return payload, nil
}

func printRecords(w io.Writer, records []domain.CaptureRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	for _, r := range records {
		lastError := r.LastError
		if len(lastError) > 80 {
			lastError = lastError[:80] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\tretries=%d\tcreated=%s\t%s\n",
			r.ID, r.Status, r.RetryCount, r.CreatedAt.UTC().Format(time.RFC3339), lastError)
	}
}
