package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/registry"
	"github.com/1ureka/rudp/internal/util"
)

var version = "dev"

var (
	configPath string
	debugMode  bool

	// cfg is loaded before any subcommand runs.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "rudp",
	Short:         "Reliable, ordered byte streams over UDP",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		if debugMode {
			cfg.Debug = true
		}
		if cfg.Debug {
			util.EnableDebug()
		}

		pterm.Info.Println(fmt.Sprintf("rudp v%s", version))
		pterm.Println()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	rootCmd.AddCommand(listenCmd, dialCmd, discoverCmd, tunnelCmd, rtcCmd)
}

// Execute runs the root command until it returns or Ctrl+C is pressed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// listenAddr returns the flag value, or the configured address when empty.
func listenAddr(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Listen
}

// openRegistry binds the configured UDP socket.
func openRegistry(addr string) (*registry.Registry, error) {
	r, err := registry.Listen(listenAddr(addr), cfg.Registry)
	if err != nil {
		return nil, err
	}
	util.LogInfo("listening on %s", r.LocalAddr())
	return r, nil
}

// startStats runs the periodic stats reporter when it is enabled.
func startStats(ctx context.Context) {
	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
