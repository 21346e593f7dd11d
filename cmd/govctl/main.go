// Command govctl drives the capacity engine directly against its configured
// store. Use the sqlite or postgres driver; the memory driver forgets
// everything when the command exits.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"capacity-engine/internal/app"
	"capacity-engine/internal/config"
	"capacity-engine/internal/logging"
)

var (
	configPath string
	actorFlag  string
	verbose    bool

	engine *app.App
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "govctl",
	Short:         "Operate the governance task engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if !verbose {
			level = "warn"
		}
		logger, err = logging.New(level, "console")
		if err != nil {
			return err
		}
		engine, err = app.New(cmd.Context(), cfg, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if engine != nil {
			engine.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CAPENG_CONFIG"), "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", os.Getenv("USER"), "identity to act as")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")

	rootCmd.AddCommand(taskCmd, assignCmd, unassignCmd, summaryCmd, eventsCmd, initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Tables are ensured while the engine is built.
		fmt.Println(`{"status":"ok","message":"all tables initialized"}`)
		return nil
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "govctl: %v\n", err)
		os.Exit(1)
	}
}

func actor() (string, error) {
	if actorFlag == "" {
		return "", fmt.Errorf("--actor is required")
	}
	return actorFlag, nil
}
