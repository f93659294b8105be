package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/portroute/internal/config"
	"github.com/danmuck/portroute/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "routerctl",
	Short: "Run a portroute router, serve an address, or send writes.",
	Long: `routerctl runs the address router and its admin API, registers an endpoint ` +
		`address that records incoming writes, or sends a single write to an address.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if strings.TrimSpace(configPath) == "" {
			logging.ConfigureRuntime()
			return nil
		}
		logging.Apply(cfg.Log.Logging())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a routerctl TOML config")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "routerctl: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
