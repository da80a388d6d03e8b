// Command twinsearchd serves streaming search subscriptions over digital
// twins.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eclipse-ditto/ditto-sub092/internal/config"
	"github.com/eclipse-ditto/ditto-sub092/internal/server"
	"github.com/eclipse-ditto/ditto-sub092/search"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "twinsearchd",
		Short:        "Streaming search subscriptions over digital twins",
		Long:         "twinsearchd answers search queries over a twin store as demand-driven, paged subscriptions.\nSettings come from TWINSEARCH_* environment variables; flags override them.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("store", "", "Twin store: memory|pebble")
	rootCmd.PersistentFlags().String("data-dir", "", "Pebble data directory")
	rootCmd.PersistentFlags().String("twins-dir", "", "Directory of JSON/YAML twins loaded at startup")
	rootCmd.PersistentFlags().Bool("watch", false, "Keep the store in sync with --twins-dir")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")
	rootCmd.PersistentFlags().Int("max-page-size", 0, "Maximum items per page")
	rootCmd.PersistentFlags().Duration("idle-timeout", 0, "Fail subscriptions waiting this long for demand")

	// serve
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve subscriptions over HTTP+SSE and WebSocket",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log, err := server.NewLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			srv, err := server.Build(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}
			serveErr := srv.ListenAndServe(ctx)
			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer closeCancel()
			if err := srv.Close(closeCtx); err != nil {
				log.Warn("server.close.fail", "err", err.Error())
			}
			return serveErr
		},
	}
	serveCmd.Flags().String("http", "", "HTTP listen address")
	serveCmd.Flags().String("base-path", "", "Base path of the subscription endpoints")
	serveCmd.Flags().String("broker", "", "SSE event log: memory|redis")
	serveCmd.Flags().String("reconcile", "", "Out-of-sync report sink: none|memory|redis|nats")
	rootCmd.AddCommand(serveCmd)

	// stdio
	stdioCmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve one client over stdin/stdout, one JSON message per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log, err := server.NewLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			srv, err := server.Build(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}
			serveErr := srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := srv.Close(closeCtx); err != nil {
				log.Warn("server.close.fail", "err", err.Error())
			}
			if errors.Is(serveErr, context.Canceled) {
				return nil
			}
			return serveErr
		},
	}
	rootCmd.AddCommand(stdioCmd)

	// schema
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the protocol messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := search.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return err
		},
	}
	rootCmd.AddCommand(schemaCmd)

	return rootCmd
}

// loadConfig reads the environment and applies explicitly set flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst, _ = flags.GetString(name)
		}
	}
	str("store", &cfg.Store)
	str("data-dir", &cfg.DataDir)
	str("twins-dir", &cfg.TwinsDir)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("http", &cfg.HTTPAddr)
	str("base-path", &cfg.BasePath)
	str("broker", &cfg.Broker)
	str("reconcile", &cfg.Reconcile)
	if flags.Changed("watch") {
		cfg.WatchTwins, _ = flags.GetBool("watch")
	}
	if flags.Changed("max-page-size") {
		cfg.MaxPageSize, _ = flags.GetInt("max-page-size")
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeout, _ = flags.GetDuration("idle-timeout")
	}
	return cfg, cfg.Validate()
}
