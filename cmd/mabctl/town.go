package main

import (
	"github.com/spf13/cobra"
)

var (
	townCreateName            string
	townCreatePath            string
	townCreateConfigOverrides string
	townDeleteForce           bool
	townUpdateConfigBody      string
)

var townCreateCmd = &cobra.Command{
	Use:   "town-create <path>",
	Short: "Register a new town at a canonical path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("town.create", map[string]any{
			"name": townCreateName, "path": args[0], "config_overrides": townCreateConfigOverrides,
		})
	},
}

var townListCmd = &cobra.Command{
	Use:   "town-list",
	Short: "List every registered town",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("town.list", nil)
	},
}

var townGetCmd = &cobra.Command{
	Use:   "town-get <town>",
	Short: "Fetch a town by id, name, or path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("town.get", map[string]any{"town": args[0]})
	},
}

var townDeleteCmd = &cobra.Command{
	Use:   "town-delete <town>",
	Short: "Delete a town (refuses if live workers remain, unless --force)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("town.delete", map[string]any{"town": args[0], "force": townDeleteForce})
	},
}

var townUpdateConfigCmd = &cobra.Command{
	Use:   "town-update-config <town>",
	Short: "Replace a town's per-project config override document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("town.update_config", map[string]any{"town": args[0], "config_overrides": townUpdateConfigBody})
	},
}

func init() {
	townCreateCmd.Flags().StringVar(&townCreateName, "name", "", "human-readable town name")
	townCreateCmd.Flags().StringVar(&townCreateConfigOverrides, "config-overrides", "", "raw YAML override document")
	townDeleteCmd.Flags().BoolVar(&townDeleteForce, "force", false, "delete even if live workers remain")
	townUpdateConfigCmd.Flags().StringVar(&townUpdateConfigBody, "config-overrides", "", "raw YAML override document")
}
