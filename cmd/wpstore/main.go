// wpstore runs and inspects a write-prepared transactional store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nainya/wpstore/internal/config"
	"github.com/nainya/wpstore/internal/logger"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:           "wpstore",
		Short:         "Write-prepared transactional key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")

	rootCmd.AddCommand(
		newServeCommand(),
		newInspectCommand(),
		newBenchCommand(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "wpstore:", err)
		os.Exit(1)
	}
}

// loadConfig applies the config file and then any data-dir flag override.
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		conf.DataDir = f.Value.String()
	}
	logger.InitGlobalLogger(logger.Config{
		Level:  conf.LogLevel,
		Pretty: conf.LogPretty,
		Output: os.Stderr,
	})
	return conf, logger.GetGlobalLogger(), nil
}
