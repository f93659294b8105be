package main

import (
	"fmt"

	"github.com/danmuck/portroute/internal/config"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate routerctl config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a config template with the defaults",
	Args:  cobra.ExactArgs(1),
	// Skip loading --config; the file may not exist yet.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(args[0], configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:               "validate <path>",
	Short:             "Load a config file and report errors",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: router=%s policy=%s endpoint=%s client=%s\n",
			c.Router.ListenAddr, c.Router.Policy, c.Endpoint.Address, c.Client.Source)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
