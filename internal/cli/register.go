package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRegisterCommand creates the register command.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	var deviceID, role string
	cmd := &cobra.Command{
		Use:           "register",
		Short:         "Register this device and print an access token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if err := c.RegisterDevice(cmd.Context(), deviceID, role); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device identifier (required)")
	cmd.Flags().StringVar(&role, "role", "student", "device role (authority|student)")
	_ = cmd.MarkFlagRequired("device-id")
	return cmd
}

// NewCurrentCommand creates the current command.
func NewCurrentCommand(opts *RootOptions) *cobra.Command {
	var section string
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the current session for a section",
		Long: `Show the most recent session created for a section within the freshness window.

Two sessions opened for the same section at once are not told apart; the
newest one is shown.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ParseSection(section)
			if err != nil {
				return err
			}
			sess, err := opts.client().FindActiveSession(cmd.Context(), key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if sess == nil {
				fmt.Fprintln(out, "no active session")
				return nil
			}
			fmt.Fprintf(out, "token=%s subject=%s authority=%s created=%s\n",
				sess.Token, sess.Subject, sess.Authority.Name, sess.CreatedAt.Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "BRANCH:SECTION:YEAR (required)")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}
