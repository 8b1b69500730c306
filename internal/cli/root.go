package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okkerhart/printwatch/internal/common"
	"github.com/okkerhart/printwatch/internal/config"
	"github.com/okkerhart/printwatch/internal/registry"
	"github.com/okkerhart/printwatch/internal/storage"
)

var (
	// Global flags
	configFile string
	verbose    bool

	// Shared resources, set up by the root command before any subcommand runs
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "printwatch",
	Short: "Printer state sync and notification daemon",
	Long: `Printwatch keeps a fleet of OctoPrint printers in sync across devices:
  • Canonical printer registry with a durable local cache
  • Live state observation over the backend push socket
  • Cross-device state pushes and throttled progress relays
  • Local print-completion notifications and widget refreshes`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Log.Level = "debug"
			cfg.Log.Format = "text"
		}
		logger, err = common.NewLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is the platform config dir)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose output")

	rootCmd.AddCommand(
		newDaemonCmd(),
		newPrintersCmd(),
		newJobCmd(),
		newNotifyTestCmd(),
		versionCmd,
	)
}

// openRegistry opens the durable cache and loads the registry from it. The
// caller owns the returned storage and must close it.
func openRegistry() (*registry.Registry, *storage.BoltStorage, error) {
	store, err := storage.NewBoltStorage(storage.StorageConfig{
		DBPath: cfg.Storage.DBPath,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	reg, err := registry.NewRegistry(store, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to load printer registry: %w", err)
	}
	return reg, store, nil
}
