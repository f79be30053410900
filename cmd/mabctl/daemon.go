package main

import (
	"github.com/spf13/cobra"
)

var daemonStatusCmd = &cobra.Command{
	Use:   "daemon-status",
	Short: "Show daemon uptime and worker counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("daemon.status", nil)
	},
}

var daemonShutdownCmd = &cobra.Command{
	Use:   "daemon-shutdown",
	Short: "Request a graceful daemon shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("daemon.shutdown", nil)
	},
}
