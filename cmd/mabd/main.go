// mabd is the supervisor daemon: it spawns, monitors, and restarts
// worker subprocesses across one or more towns and serves the
// control-plane RPC surface over a Unix domain socket.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/daemon"
	"github.com/steveyegge/mabd/internal/logging"
	"github.com/steveyegge/mabd/internal/version"
)

var (
	mabHome  string
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mabd",
	Short: "Supervisor daemon for mab worker fleets",
	RunE:  runDaemon,
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&mabHome, "mab-home", os.Getenv("MAB_HOME"), "daemon home directory (default $MAB_HOME or ~/.mab)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	if mabHome == "" && home != "" {
		mabHome = home + "/.mab"
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if mabHome == "" {
		return fmt.Errorf("mab-home could not be determined; pass --mab-home or set MAB_HOME")
	}

	cfg, err := config.Load(mabHome, "", nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logFile, err := os.OpenFile(daemon.Paths{Home: mabHome}.LogFile(),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()
	log := logging.New(logging.Config{Level: cfg.LogLevel, Output: logFile})

	d, err := daemon.New(mabHome, cfg, log)
	if err != nil {
		return err
	}

	log.Info().Str("mab_home", mabHome).Int("pid", os.Getpid()).Str("version", version.Version).Msg("daemon starting")
	return d.Run(context.Background())
}
