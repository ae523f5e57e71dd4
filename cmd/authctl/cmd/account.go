package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authsdk"
	"github.com/aussiebroadwan/authclient/pkg/forms"
)

func newResetPasswordCmd(opts *globalOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request a password reset email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				if err := (forms.ResetPasswordForm{Email: email}).Submit(ctx, c); err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password reset requested.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var email string
	var length int

	cmd := &cobra.Command{
		Use:   "verify CODE",
		Short: "Verify an email address with the code that was sent to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := forms.VerificationPrompt{Code: args[0], Email: email, Length: length}
			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				if err := prompt.Submit(ctx, c); err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Email verified.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (optional)")
	cmd.Flags().IntVar(&length, "digits", forms.DefaultCodeLength, "Expected number of digits in the code")
	return cmd
}

func newResendCodeCmd(opts *globalOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "resend-code",
		Short: "Send a new verification code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				if err := (forms.ResendCodeForm{Email: email}).Submit(ctx, c); err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Verification code sent.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
