package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/logger"
)

var (
	configPath string
	verbose    bool

	cfg     *config.Config
	mainLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "xdm",
	Short: "Search X for accounts and send them a templated direct message",
	Long: `xdm drives a Chrome session to search X for accounts matching a query,
opens each new profile and sends a templated direct message.

Sign in once with "xdm login"; the session cookies are kept in the user-data
directory and reused by "xdm run".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		if verbose {
			cfg.Logging.Level = "debug"
		}

		if err := logger.Init(logger.Config{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			OutputFile: cfg.Logging.OutputFile,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		mainLog = logger.WithComponent("xdm")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Default().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json); defaults to $CONFIG_PATH")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, loginCmd, cookiesCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
