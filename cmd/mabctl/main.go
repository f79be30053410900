// mabctl is a thin RPC client over mabd's Unix socket. It prints raw
// JSON results; human-facing formatting is intentionally out of scope.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mabd/internal/rpc"
)

var (
	mabHome    string
	socketPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mabctl",
	Short: "Control client for the mabd supervisor daemon",
}

func init() {
	home, _ := os.UserHomeDir()
	defaultHome := os.Getenv("MAB_HOME")
	if defaultHome == "" && home != "" {
		defaultHome = home + "/.mab"
	}
	rootCmd.PersistentFlags().StringVar(&mabHome, "mab-home", defaultHome, "daemon home directory")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "override the daemon socket path (default <mab-home>/mab.sock)")

	rootCmd.AddCommand(
		workerSpawnCmd, workerStopCmd, workerRestartCmd, workerListCmd, workerGetCmd, workerLogsTailCmd,
		townCreateCmd, townListCmd, townGetCmd, townDeleteCmd, townUpdateConfigCmd,
		daemonStatusCmd, daemonShutdownCmd,
	)
}

func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	return mabHome + "/mab.sock"
}

// call dials the daemon, issues method with params, and prints the raw
// JSON result to stdout.
func call(method string, params any) error {
	client, err := rpc.Dial(resolveSocket())
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.Call(method, params, &result); err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
