package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authsdk"
	"github.com/aussiebroadwan/authclient/pkg/forms"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long:  `Sign in and store the issued tokens. The password is read from stdin when --password is not given.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordOrStdin(cmd, password)
			if err != nil {
				return err
			}
			form := forms.LoginForm{Email: email, Password: pw}

			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				user, err := form.Submit(ctx, c)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed in.")
				printUser(cmd.OutOrStdout(), user)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCmd(opts *globalOptions) *cobra.Command {
	var email, password, name string
	var extra map[string]string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordOrStdin(cmd, password)
			if err != nil {
				return err
			}
			form := forms.RegisterForm{
				Email:           email,
				Password:        pw,
				ConfirmPassword: pw,
				Name:            name,
			}
			if len(extra) > 0 {
				form.Extra = make(map[string]any, len(extra))
				for k, v := range extra {
					form.Extra[k] = v
				}
			}

			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				user, err := form.Submit(ctx, c)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Account created. Check your inbox for a verification code.")
				printUser(cmd.OutOrStdout(), user)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringToStringVar(&extra, "attr", nil, "Extra registration fields, key=value")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored tokens",
		Long:  `Sign out. The local session is removed even when the server cannot be reached.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				err := c.Logout(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				if err != nil {
					return fmt.Errorf("server did not acknowledge logout: %w", err)
				}
				return nil
			})
		},
	}
}

func newRefreshCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for new tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				rec, err := c.RefreshToken(ctx)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Refreshed. Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.session(cmd, authsdk.Hooks{}, func(ctx context.Context, c *authsdk.Controller) error {
				printStatus(cmd.OutOrStdout(), c, c.Tokens(ctx))
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, c *authsdk.Controller, rec authsdk.TokenRecord) {
	s := c.State()
	fmt.Fprintf(w, "Status:  %s\n", s.Status)
	printUser(w, s.User)

	if !rec.HasAccessToken() {
		fmt.Fprintln(w, "Tokens:  (none)")
		return
	}
	policy := c.ExpiryPolicy()
	fmt.Fprintf(w, "Expires: %s", rec.ExpiresAt.Format(time.RFC3339))
	switch {
	case policy.IsExpired(rec):
		fmt.Fprint(w, " (expired)")
	case policy.ShouldProactivelyRefresh(rec):
		fmt.Fprint(w, " (refresh due)")
	default:
		fmt.Fprintf(w, " (in %s)", policy.TimeUntilExpiry(rec).Round(time.Second))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Refresh: %t\n", rec.HasRefreshToken())
}

// passwordOrStdin returns flag, or the first line of stdin when it is empty.
func passwordOrStdin(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// describe turns validation failures into a one-line summary per field.
func describe(err error) error {
	fields := forms.FieldErrors(err)
	if len(fields) == 0 {
		return err
	}
	parts := make([]string, 0, len(fields))
	for field, msg := range fields {
		parts = append(parts, field+": "+msg)
	}
	slices.Sort(parts)
	return fmt.Errorf("%s (%s)", forms.Message(err), strings.Join(parts, ", "))
}
