package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/otp"
	"github.com/jmcleod/nobat/session"
)

var (
	loginRole  string
	loginPhone string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with a phone number and a one-time code",
	Long: `Requests a one-time code for the phone number and prompts for it.

At the code prompt, "r" re-sends the code once the countdown is over and
"b" goes back to the phone number prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := session.ParseRole(loginRole)
		if role == session.RoleUnknown {
			return fmt.Errorf("unknown role %q (patient, doctor or secretary)", loginRole)
		}
		c, err := openLocalClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		eng := otp.New(role, c.backend, c.store,
			otp.WithDevCodes(c.cfg.DevOTP),
			otp.WithDevFallback(c.cfg.DevOTPFallback),
			otp.WithLogger(c.logger.With("component", "otp")),
		)
		defer eng.Close()

		path, err := runLogin(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), eng, loginPhone)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Logged in, panel: %s\n", path)
		return printSession(cmd.OutOrStdout(), c.provider.State())
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginRole, "role", string(session.RolePatient), "Role to log in as (patient, doctor, secretary)")
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "Phone number; prompted for when empty")
}

// runLogin drives eng from line input until a code is accepted, and returns
// the panel path of the new session.
func runLogin(ctx context.Context, in io.Reader, out io.Writer, eng *otp.Engine, phone string) (string, error) {
	scanner := bufio.NewScanner(in)
	readLine := func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(scanner.Text()), nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		snap := eng.Snapshot()

		if snap.Step == otp.StepPhoneEntry {
			if phone == "" {
				line, err := readLine("Phone number: ")
				if err != nil {
					return "", err
				}
				phone = line
			}
			err := eng.SubmitPhone(ctx, phone)
			phone = ""
			if err != nil {
				fmt.Fprintln(out, userMessage(err))
				continue
			}
			printSent(out, eng.Snapshot())
			continue
		}

		line, err := readLine(fmt.Sprintf("Code (%s): ", countdownHint(snap)))
		if err != nil {
			return "", err
		}
		switch strings.ToLower(line) {
		case "b":
			eng.BackToPhoneEntry()
			continue
		case "r":
			if err := eng.Resend(ctx); err != nil {
				fmt.Fprintln(out, userMessage(err))
				continue
			}
			printSent(out, eng.Snapshot())
			continue
		}

		path, err := eng.SubmitOTP(ctx, line)
		if err != nil {
			fmt.Fprintln(out, userMessage(err))
			continue
		}
		return path, nil
	}
}

func printSent(out io.Writer, snap otp.Snapshot) {
	fmt.Fprintln(out, snap.LastSuccessMessage)
	if snap.DevCode != "" {
		fmt.Fprintf(out, "Development code: %s\n", snap.DevCode)
	}
}

func countdownHint(snap otp.Snapshot) string {
	if snap.CanResend {
		return "r to resend, b to go back"
	}
	return fmt.Sprintf("resend in %ds, b to go back", snap.SecondsRemaining)
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, otp.ErrResendNotAllowed):
		return "تا پایان زمان شمارش معکوس صبر کنید."
	case errors.Is(err, otp.ErrBusy):
		return "درخواست قبلی در حال انجام است."
	}
	msg := apperr.UserMessage(err)
	if e, ok := apperr.As(err); ok && e.Action != "" {
		msg += " " + e.Action
	}
	return msg
}
