package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xerrors/mvllm/internal/config"
	"github.com/xerrors/mvllm/internal/httpapi"
	"github.com/xerrors/mvllm/internal/router"
)

const version = "1.1.0"

// envDefault returns the environment value or a fallback.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mvllm",
		Short:         "Load-balancing reverse proxy for vLLM inference servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newCheckConfigCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		host     string
		port     int
		cfgPath  string
		console  bool
		logLevel string
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the router",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogging(logLevel, console)
			if err != nil {
				return err
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return exitError{code: 2, err: fmt.Errorf("load config: %w", err)}
			}
			logger.Info().Str("config", cfgPath).Int("servers", len(cfg.Servers)).Msg("configuration loaded")

			rt := router.New(router.Options{
				ConfigPath:  cfgPath,
				Config:      cfg,
				Logger:      logger,
				WatchConfig: watch,
			})

			httpapi.SetLogger(logger.With().Str("component", "http").Logger())
			mux := httpapi.NewMux(rt, version)

			addr := net.JoinHostPort(host, strconv.Itoa(port))
			srv := &http.Server{Addr: addr, Handler: mux}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			rt.Start(ctx)

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Str("version", version).Msg("mvllm listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				rt.Stop()
				return fmt.Errorf("server error: %w", err)
			case sig := <-stop:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			// Let in-flight forwards drain up to the request timeout.
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
				cfg.App.RequestTimeoutDuration())
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown incomplete")
			}
			cancel()
			rt.Stop()
			logger.Info().Msg("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", envDefault("HOST", "0.0.0.0"), "Host to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", envDefaultInt("PORT", 8888), "Port to bind to")
	cmd.Flags().StringVar(&cfgPath, "config", envDefault("CONFIG_PATH", "servers.toml"), "Path to configuration file")
	cmd.Flags().BoolVarP(&console, "console", "c", envDefaultBool("LOG_TO_CONSOLE", false), "Enable console logging output")
	cmd.Flags().StringVar(&logLevel, "log-level", envDefault("LOG_LEVEL", "INFO"), "Logging level (DEBUG, INFO, WARNING, ERROR)")
	cmd.Flags().BoolVar(&watch, "reload", false, "Reload the config on file change instead of waiting for the next poll")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return exitError{code: 2, err: fmt.Errorf("configuration error: %w", err)}
			}
			fmt.Printf("%s: %d servers, health check every %ds, reload every %ds\n",
				cfgPath, len(cfg.Servers), cfg.App.HealthCheckInterval, cfg.App.ConfigReloadInterval)
			for _, s := range cfg.Servers {
				fmt.Printf("  %s (max_concurrent_requests: %d)\n", s.URL, s.MaxConcurrentRequests)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", envDefault("CONFIG_PATH", "servers.toml"), "Path to configuration file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mvllm v%s\n", version)
		},
	}
}
