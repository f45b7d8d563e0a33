package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sgkoffline/internal/app"
	"sgkoffline/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:           "sgkoffline",
	Short:         "Offline-first edge for the SGK Export application",
	Long:          "sgkoffline caches pages, assets and API reads in front of the application origin,\nqueues form submissions made while offline and replays them on reconnect.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SGKOFFLINE_CONFIG", "/sgkoffline.yaml"), "path to the YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "control URL of a running server (default http://localhost:<server.port>)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy and control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		a, err := app.New(cfg)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err = a.Start(startCtx)
		cancel()
		if err != nil {
			return err
		}

		addr := net.JoinHostPort(cfg.Server.Listen, strconv.Itoa(cfg.Server.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("sgkoffline %s listening on %s, origin=%s", version, addr, cfg.Server.Origin)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("server error: %v", err)
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the binary and worker versions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sgkoffline %s\n", version)
		if cfg, err := config.Load(configPath); err == nil {
			fmt.Printf("worker %s (cache %s)\n", cfg.Worker.Version, cfg.Worker.CacheName)
		}
	},
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
