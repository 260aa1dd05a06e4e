package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// skipDB marks commands that never touch the gallery database.
const skipDB = "skip-db"

var (
	// DB is the global database connection shared by subcommands. It stays nil with --no-db.
	DB *store.Store
	// cfg is the merged configuration, loaded before any subcommand runs.
	cfg config.Config
	// logger is the engine logger built from cfg.
	logger *slog.Logger

	cfgPath     string
	dbURL       string
	logLevel    string
	cameraIndex int
	backbone    string
	noDB        bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Live face-recognition attendance from a webcam",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the environment may already be set.
		_ = godotenv.Load()

		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err = utils.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}

		if noDB || cmd.Annotations[skipDB] == "true" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// loadConfig merges the config file and environment with any flags set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(cfgPath)
	if err != nil {
		return c, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		c.DatabaseURL = dbURL
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("camera") {
		c.Camera.Index = cameraIndex
	}
	if flags.Changed("backbone") {
		c.Encoding.Backbone = backbone
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: built from POSTGRES_* or postgres://localhost:5432/rollcall)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.IntVar(&cameraIndex, "camera", 0, "Camera device index")
	pf.StringVarP(&backbone, "backbone", "b", "dlib-resnet", "Embedding backbone (see 'rollcall backbones')")
	pf.BoolVar(&noDB, "no-db", false, "Keep the gallery in memory only")
}
