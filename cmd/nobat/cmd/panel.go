package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nobat/session"
)

var panelCmd = &cobra.Command{
	Use:   "panel <role>",
	Short: "Check whether the session may open a role's panel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := session.ParseRole(args[0])
		if role == session.RoleUnknown {
			return fmt.Errorf("unknown role %q", args[0])
		}
		c, err := openLocalClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		d := session.Authorize(c.hydrate(cmd.Context()), role, session.DefaultRoutes())
		return printDecision(cmd.OutOrStdout(), role, d)
	},
}

func printDecision(w io.Writer, role session.Role, d session.Decision) error {
	if jsonOutput {
		return printJSON(w, struct {
			Role session.Role `json:"role"`
			session.Decision
		}{role, d})
	}
	switch d.Outcome {
	case session.OutcomeAllow:
		fmt.Fprintf(w, "[ALLOW] %s panel\n", role)
	case session.OutcomeRedirect:
		fmt.Fprintf(w, "[REDIRECT] %s panel -> %s\n", role, d.Path)
	default:
		fmt.Fprintf(w, "[%s] %s panel\n", d.Outcome, role)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(panelCmd)
}
