package main

import (
	"github.com/spf13/cobra"
)

var (
	spawnTown        string
	spawnRole        string
	spawnInstance    int
	spawnAutoRestart bool
	logsTailLines    int
	stopGraceful     bool
	stopTimeout      int
)

var workerSpawnCmd = &cobra.Command{
	Use:   "worker-spawn",
	Short: "Spawn a new worker into a town",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("worker.spawn", map[string]any{
			"town":         spawnTown,
			"role":         spawnRole,
			"instance":     spawnInstance,
			"auto_restart": spawnAutoRestart,
		})
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "worker-stop <worker_id>",
	Short: "Stop a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("worker.stop", map[string]any{
			"worker_id":       args[0],
			"graceful":        stopGraceful,
			"timeout_seconds": stopTimeout,
		})
	},
}

var workerRestartCmd = &cobra.Command{
	Use:   "worker-restart <worker_id>",
	Short: "Restart a worker, resetting its restart-backoff history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("worker.restart", map[string]any{"worker_id": args[0]})
	},
}

var (
	listTown   string
	listRole   string
	listStatus string
)

var workerListCmd = &cobra.Command{
	Use:   "worker-list",
	Short: "List workers, optionally filtered by town/role/status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("worker.list", map[string]any{
			"town": listTown, "role": listRole, "status": listStatus,
		})
	},
}

var workerGetCmd = &cobra.Command{
	Use:   "worker-get <worker_id>",
	Short: "Fetch a single worker's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("worker.get", map[string]any{"worker_id": args[0]})
	},
}

var workerLogsTailCmd = &cobra.Command{
	Use:   "worker-logs <worker_id>",
	Short: "Tail a worker's log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("worker.logs_tail", map[string]any{"worker_id": args[0], "lines": logsTailLines})
	},
}

func init() {
	workerSpawnCmd.Flags().StringVar(&spawnTown, "town", "", "town path or name (required)")
	workerSpawnCmd.Flags().StringVar(&spawnRole, "role", "", "worker role (required)")
	workerSpawnCmd.Flags().IntVar(&spawnInstance, "instance", 0, "instance number (0 picks the next free one)")
	workerSpawnCmd.Flags().BoolVar(&spawnAutoRestart, "auto-restart", true, "automatically respawn on failure")

	workerListCmd.Flags().StringVar(&listTown, "town", "", "filter by town id")
	workerListCmd.Flags().StringVar(&listRole, "role", "", "filter by role")
	workerListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	workerLogsTailCmd.Flags().IntVar(&logsTailLines, "lines", 100, "number of trailing lines")

	workerStopCmd.Flags().BoolVar(&stopGraceful, "graceful", true, "send SIGTERM and wait before force-killing")
	workerStopCmd.Flags().IntVar(&stopTimeout, "timeout-seconds", 0, "override the configured grace period (0 uses the daemon default)")
}
