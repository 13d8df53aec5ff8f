package cmd

import (
	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openLocalClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return printSession(cmd.OutOrStdout(), c.hydrate(cmd.Context()))
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the local session and cached data",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openLocalClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.provider.Logout(); err != nil {
			return err
		}
		return printSession(cmd.OutOrStdout(), c.provider.State())
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(logoutCmd)
}
