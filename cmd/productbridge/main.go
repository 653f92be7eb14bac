package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/productbridge"
	"github.com/glimte/productbridge/internal/config"
	"github.com/glimte/productbridge/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "productbridge",
		Short: "Bridge product commands onto a message bus and serve the product view",
		Long: `productbridge runs either side of the product request/reply bridge.

  view     consumes product_request (and the products topic), keeps the
           materialized view, answers on product_reply and serves queries
  gateway  accepts product commands over HTTP, publishes them as requests
           and waits for the correlated reply`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment variables override it)")

	var noProjector bool
	viewCmd := &cobra.Command{
		Use:   "view",
		Short: "Run the request processor, projector and query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, func(cfg *config.Config) ([]productbridge.ClientOption, error) {
				policy, err := cfg.DecodePolicy()
				if err != nil {
					return nil, err
				}
				opts := []productbridge.ClientOption{
					productbridge.WithRequestProcessor(cfg.Consumer.RequestGroup),
					productbridge.WithDecodePolicy(policy),
				}
				if !noProjector {
					opts = append(opts, productbridge.WithProjector(cfg.Consumer.EventsGroup))
				}
				return opts, nil
			})
		},
	}
	viewCmd.Flags().BoolVar(&noProjector, "no-projector", false, "Do not consume the fire-and-forget events topic")

	var publishEvents bool
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the request/reply gateway and command API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, func(cfg *config.Config) ([]productbridge.ClientOption, error) {
				gwOpts, err := productbridge.GatewayOptions(cfg)
				if err != nil {
					return nil, err
				}
				opts := []productbridge.ClientOption{
					productbridge.WithGateway(cfg.Gateway.ReplyGroup, gwOpts...),
				}
				if publishEvents {
					opts = append(opts, productbridge.WithEventPublishing())
				}
				return opts, nil
			})
		},
	}
	gatewayCmd.Flags().BoolVar(&publishEvents, "publish-events", false, "Also publish every command on the events topic")

	rootCmd.AddCommand(viewCmd, gatewayCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type roleOptions func(cfg *config.Config) ([]productbridge.ClientOption, error)

func run(ctx context.Context, configPath string, role roleOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format).With("service", cfg.Service.Name)
	slog.SetDefault(logger)

	opts, err := role(cfg)
	if err != nil {
		return err
	}

	transport, err := productbridge.OpenTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s transport: %w", cfg.Transport.Kind, err)
	}

	opts = append(opts,
		productbridge.WithLogger(logger),
		productbridge.WithTopics(cfg.Topics.Request, cfg.Topics.Reply, cfg.Topics.Events),
	)
	client, err := productbridge.NewClient(ctx, transport, opts...)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: client.Handler(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Server starting", "addr", cfg.HTTP.Addr, "transport", cfg.Transport.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen failed: %w", err)
			cancel()
		}
	}()
	go func() {
		if err := client.Run(ctx); err != nil {
			errCh <- fmt.Errorf("consumer stopped: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	select {
	case err := <-errCh:
		return err
	default:
		logger.Info("Server exiting")
		return nil
	}
}
