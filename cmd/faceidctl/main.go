package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "faceidctl",
	Short: "Operator tool for the faceid service",
	Long: `faceidctl runs maintenance tasks against the faceid database and queue:
schema migrations and bulk enqueueing of registrations.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	observability.SetupLogger(cfg.Logging.Level, "text", "")
	return cfg, nil
}
