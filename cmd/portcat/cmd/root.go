// Package cmd provides the command-line interface of portcat.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/carrier"
	"github.com/raskyld/carrier/internal/config"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portcat",
	Short: "portcat copies bytes between named ports and the standard streams.",
	Long: `portcat copies bytes between named ports and the standard streams. ` +
		`Ports negotiate a carrier (ptp, bcast or direct) when they connect, ` +
		`and can find each other with a static peer table or a gossip directory.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "TOML configuration file")
	flags.StringSlice("env-file", []string{".env"}, "dotenv files loaded before the environment")
	flags.String("name", "", "name of the local port")
	flags.StringSlice("join", nil, "gossip neighbours, enables the directory")
	flags.String("log-level", "", "debug, info, warn or error")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// loadConfig merges the configuration sources, flags have the last
// word.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.Load(path, envFiles...)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("name") {
		cfg.Name, _ = cmd.Flags().GetString("name")
	}
	if cmd.Flags().Changed("join") {
		cfg.Gossip.Neighbours, _ = cmd.Flags().GetStringSlice("join")
		cfg.Gossip.Enabled = true
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("carrier") {
		cfg.Carrier, _ = cmd.Flags().GetString("carrier")
	}
	return cfg, cfg.Validate()
}

func newNode(cfg config.Config) (*carrier.Node, error) {
	return carrier.New(cfg.Options(cfg.LogHandler(os.Stderr))...)
}
