package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authsdk"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
var BuildVersion = "v0.1.0"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	envFile   string
	baseURL   string
	storage   string
	path      string
	logLevel  string
	logFormat string
	timeout   time.Duration

	logger *slog.Logger
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "authctl",
		Short: "authctl signs in to an auth server and manages the local session",
		Long: `A command line client for credential based auth servers.

Configuration is read from AUTH_* environment variables (and an optional
.env file), with the flags below taking precedence. Use local or session
storage to keep the session between invocations.`,
		Version:       BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", opts.envFile, err)
			}
			opts.logger = slogx.New(slogx.Config{
				Service: "authctl",
				Version: BuildVersion,
				Env:     "cli",
				Level:   opts.logLevel,
				Format:  opts.logFormat,
				Output:  cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "Path to an optional .env file")
	flags.StringVar(&opts.baseURL, "base-url", "", "Auth server base URL (overrides AUTH_BASE_URL)")
	flags.StringVar(&opts.storage, "storage", "", "Token storage: local, session, cookie or memory (overrides AUTH_STORAGE)")
	flags.StringVar(&opts.path, "storage-path", "", "File used by local storage (overrides AUTH_STORAGE_PATH)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall deadline for one command")

	root.AddCommand(
		newLoginCmd(opts),
		newRegisterCmd(opts),
		newLogoutCmd(opts),
		newRefreshCmd(opts),
		newStatusCmd(opts),
		newResetPasswordCmd(opts),
		newVerifyCmd(opts),
		newResendCodeCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// config loads the environment configuration and applies flag overrides.
func (o *globalOptions) config() (authsdk.Config, error) {
	cfg, err := authsdk.LoadConfig()
	if err != nil {
		return authsdk.Config{}, err
	}

	var overrides []authsdk.Option
	if o.baseURL != "" {
		overrides = append(overrides, authsdk.WithBaseURL(o.baseURL))
	}
	if o.storage != "" {
		overrides = append(overrides, authsdk.WithStorage(o.storage))
	}
	if o.path != "" {
		overrides = append(overrides, authsdk.WithStoragePath(cfg.DurableDriver, o.path))
	}
	return cfg.With(overrides...)
}

// session builds and initialises a controller, runs fn and closes it.
func (o *globalOptions) session(cmd *cobra.Command, hooks authsdk.Hooks, fn func(ctx context.Context, c *authsdk.Controller) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}

	ctrl, err := authsdk.New(cfg, authsdk.Options{Logger: o.logger, Hooks: hooks})
	if err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			o.logger.Warn("failed to close token storage", "error", err)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ctrl.Init(ctx)
	return fn(ctx, ctrl)
}

func printUser(w io.Writer, u *authsdk.User) {
	if u == nil {
		fmt.Fprintln(w, "User:    (none)")
		return
	}
	fmt.Fprintf(w, "User:    %s", u.ID)
	if u.Email != "" {
		fmt.Fprintf(w, " <%s>", u.Email)
	}
	if u.Name != "" {
		fmt.Fprintf(w, " %s", u.Name)
	}
	fmt.Fprintln(w)
}
