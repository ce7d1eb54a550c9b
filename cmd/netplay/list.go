package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blukai/netplay/internal/lobbyclient"
)

func newListCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "list <lobby address>",
		Short: "List the sessions a lobby server knows about",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			games, resp, err := lobbyclient.ListGames(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if resp.Message != "" {
				fmt.Fprintln(w, resp.Message)
			}
			if len(games) == 0 {
				fmt.Fprintln(w, "no games")
				return nil
			}
			printGames(w, games)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the lobby")
	return cmd
}
