package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "netplay",
		Short:         "Host, join and list multiplayer sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides NETPLAY_LOG_LEVEL)")
	cmd.PersistentFlags().String("identity", "", "Identity key file (overrides NETPLAY_IDENTITY_FILE)")

	cmd.AddCommand(newHostCmd())
	cmd.AddCommand(newJoinCmd())
	cmd.AddCommand(newListCmd())
	return cmd
}
