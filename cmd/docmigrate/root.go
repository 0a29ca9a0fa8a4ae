package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/docmigrate/internal/config"
	"github.com/BadgerOps/docmigrate/internal/ledger"
	"github.com/BadgerOps/docmigrate/internal/remote"
	"github.com/BadgerOps/docmigrate/internal/remote/s3docs"
	"github.com/BadgerOps/docmigrate/internal/remote/sharepoint"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath   string
	outputDir string
	logLevel  string
	logFormat string
	debug     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalLedger *ledger.Ledger
	globalStore  remote.DocumentStore
)

// openLedger opens the migration ledger, applying schema migrations.
func openLedger(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	l, err := ledger.New(ctx, ledger.Options{
		Driver: globalCfg.Ledger.Driver,
		DSN:    globalCfg.Ledger.DSN,
		Table:  globalCfg.Ledger.Table,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	globalLedger = l
	return nil
}

// openStore connects to the configured remote document store.
func openStore(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	rc := globalCfg.Remote
	switch rc.Backend {
	case "sharepoint":
		client, err := sharepoint.New(sharepoint.Options{
			SiteURL:    rc.SharePoint.SiteURL,
			Token:      rc.SharePoint.Token,
			Timeout:    rc.SharePoint.Timeout,
			MaxRetries: rc.SharePoint.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create sharepoint client: %w", err)
		}
		globalStore = client
	case "s3":
		api, err := s3docs.NewClient(ctx, s3docs.ClientOptions{
			Region:         rc.S3.Region,
			Endpoint:       rc.S3.Endpoint,
			ForcePathStyle: rc.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to create s3 client: %w", err)
		}
		globalStore = s3docs.New(api, s3docs.Options{Bucket: rc.S3.Bucket, Prefix: rc.S3.Prefix, Logger: logger})
	default:
		return fmt.Errorf("unsupported remote backend %q", rc.Backend)
	}
	logger.Debug("remote store ready", "backend", rc.Backend)
	return nil
}

// initializeComponents opens what the named command needs. Pipeline
// commands get the full config validated plus a remote store; ledger
// commands only touch the database.
func initializeComponents(ctx context.Context, cmdName string) error {
	if needsStore(cmdName) {
		if err := globalCfg.Validate(); err != nil {
			return err
		}
	}
	if err := openLedger(ctx); err != nil {
		return err
	}
	if needsStore(cmdName) {
		if err := openStore(ctx); err != nil {
			return err
		}
	}
	logger.Debug("components initialized", "command", cmdName)
	return nil
}

func needsStore(cmdName string) bool {
	return cmdName == "run" || cmdName == "watch"
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
		"config":     true,
		"show":       true,
		"validate":   true,
	}
	return skipInitCmds[cmdName]
}

// closeComponents closes the global ledger connection
func closeComponents() {
	if globalLedger != nil {
		if err := globalLedger.Close(); err != nil {
			logger.Error("failed to close ledger", "error", err)
		}
		globalLedger = nil
	}
	globalStore = nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docmigrate",
		Short: "Migrate delivered document batches into a remote document store",
		Long: `docmigrate watches an output directory for delivery batches. Each batch
directory carries a CSV load file describing its documents; docmigrate
creates the remote document sets the batch needs, uploads every file,
verifies it, stamps its metadata and records the outcome in a ledger.
A batch that migrates cleanly is renamed from its trigger suffix to its
delivered suffix.`,
		Example: `  docmigrate run
  docmigrate run --retry-failed
  docmigrate watch --debounce 10s
  docmigrate ledger status
  docmigrate config show`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if outputDir != "" {
				globalCfg.Delivery.OutputDir = outputDir
			}
			logger.Debug("config loaded", "path", cfgPath, "output_dir", globalCfg.Delivery.OutputDir)

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(commandContext(cmd), cmd.Name()); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "override the delivery output directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "shorthand for --log-level debug")

	cmd.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newLedgerCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	level := parseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
