package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/session"
)

var profileFields backend.ProfileFields

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Edit the logged in patient's profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openLocalClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		state := c.hydrate(cmd.Context())
		if err := updateProfile(cmd.Context(), c.backend, c.provider, state, profileFields); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), userMessage(err))
			return err
		}
		return printSession(cmd.OutOrStdout(), c.provider.State())
	},
}

type profileUpdater interface {
	UpdatePatientProfile(ctx context.Context, token string, fields backend.ProfileFields) (backend.ProfileUpdate, error)
}

// updateProfile sends fields for the patient in state and writes the result
// through to the stored session.
func updateProfile(ctx context.Context, be profileUpdater, p *session.Provider, state session.State, fields backend.ProfileFields) error {
	if state.Status != session.StatusAuthenticated || state.Session == nil {
		return apperr.NoSession()
	}
	if !state.Role().Equal(session.RolePatient) {
		return apperr.RoleMismatch(string(session.RolePatient), string(state.Role()))
	}
	upd, err := be.UpdatePatientProfile(ctx, state.Session.Token, fields)
	if err != nil {
		return err
	}
	return p.UpdateUser(state.Session.Token, upd.Apply(state.Session.User))
}

var (
	paymentAuthority string
	paymentStatus    string
)

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Verify a payment gateway callback",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openLocalClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.backend.PaymentCallback(cmd.Context(), paymentAuthority, paymentStatus)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), userMessage(err))
			return err
		}
		return printPayment(cmd.OutOrStdout(), res)
	},
}

func printPayment(w io.Writer, res backend.PaymentResult) error {
	if jsonOutput {
		return printJSON(w, res)
	}
	if res.Success {
		fmt.Fprintf(w, "Payment confirmed (ref %s)\n", res.RefID)
	} else {
		fmt.Fprintln(w, "Payment failed")
	}
	if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.Flags().StringVar(&profileFields.Name, "name", "", "Full name")
	profileCmd.Flags().StringVar(&profileFields.NationalCode, "national-code", "", "10 digit national code")
	profileCmd.Flags().StringVar(&profileFields.BirthYear, "birth-year", "", "Birth year (Shamsi)")
	profileCmd.Flags().StringVar(&profileFields.Gender, "gender", "", "male or female")

	rootCmd.AddCommand(paymentCmd)
	paymentCmd.Flags().StringVar(&paymentAuthority, "authority", "", "Authority parameter from the gateway")
	paymentCmd.Flags().StringVar(&paymentStatus, "status", "", "Status parameter from the gateway (OK or NOK)")
}
