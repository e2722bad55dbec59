package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iselftoken/authclient/internal/auth"
	"github.com/iselftoken/authclient/internal/session"
)

// userError turns err into the message a user should see, keeping the
// session sentinels so callers can still match them.
func userError(op string, err error) error {
	if err == nil {
		return nil
	}
	if session.IsSessionError(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Debug().Err(err).Str("op", op).Msg("request failed")
	return fmt.Errorf("%s: %s", op, auth.Message(err))
}

func printSession(w io.Writer, s session.Session) {
	fmt.Fprintf(w, "state:  %s\n", s.State)
	fmt.Fprintf(w, "view:   %s\n", s.View())
	if s.User != nil {
		fmt.Fprintf(w, "user:   %s <%s>\n", s.User.Name, s.User.Email)
	}
	if s.Tokens != nil && !s.Tokens.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "expiry: %s\n", s.Tokens.ExpiresAt.Local().Format(time.RFC3339))
	}
	if s.LastError != nil {
		fmt.Fprintf(w, "error:  %s\n", auth.Message(s.LastError))
	}
}

func newLoginCommand() *cobra.Command {
	var creds auth.LoginCredentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.manager.Login(ctx, creds); err != nil {
				return userError("login", err)
			}
			printSession(cmd.OutOrStdout(), a.manager.Session())
			return nil
		}),
	}
	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newRegisterCommand() *cobra.Command {
	var creds auth.RegisterCredentials
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store the session",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if creds.ConfirmPassword == "" {
				creds.ConfirmPassword = creds.Password
			}
			if err := a.manager.Register(ctx, creds); err != nil {
				return userError("register", err)
			}
			printSession(cmd.OutOrStdout(), a.manager.Session())
			return nil
		}),
	}
	cmd.Flags().StringVar(&creds.Name, "name", "", "display name")
	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "account password")
	cmd.Flags().StringVar(&creds.ConfirmPassword, "confirm", "", "password confirmation (defaults to --password)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.manager.Logout(ctx); err != nil {
				return userError("logout", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the restored session",
		RunE: withApp(func(_ context.Context, a *app, cmd *cobra.Command, _ []string) error {
			printSession(cmd.OutOrStdout(), a.manager.Session())
			return nil
		}),
	}
}

func newRevalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revalidate",
		Short: "Check the stored session with the server, refreshing if it is about to expire",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.manager.Revalidate(ctx); err != nil {
				return userError("revalidate", err)
			}
			printSession(cmd.OutOrStdout(), a.manager.Session())
			return nil
		}),
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.manager.RefreshToken(ctx); err != nil {
				return userError("refresh", err)
			}
			printSession(cmd.OutOrStdout(), a.manager.Session())
			return nil
		}),
	}
}

func newProfileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Fetch the signed-in user's profile",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if !a.manager.Session().IsAuthenticated() {
				return errors.New("profile: not signed in")
			}
			user, err := a.client.Profile(ctx)
			if err != nil {
				return userError("profile", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "id:     %s\n", user.ID)
			fmt.Fprintf(w, "name:   %s\n", user.Name)
			fmt.Fprintf(w, "email:  %s\n", user.Email)
			if !user.CreatedAt.IsZero() {
				fmt.Fprintf(w, "joined: %s\n", user.CreatedAt.Local().Format(time.DateOnly))
			}
			return nil
		}),
	}
}

func newForgotPasswordCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "forgot-password",
		Short: "Request a password reset email",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := auth.ValidateForgotPasswordForm(email); err != nil {
				return userError("forgot-password", err)
			}
			if err := a.client.ForgotPassword(ctx, email); err != nil {
				return userError("forgot-password", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset instructions sent to %s\n", email)
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newResetPasswordCommand() *cobra.Command {
	var req auth.ResetPasswordRequest
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password with a reset token",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if req.ConfirmPassword == "" {
				req.ConfirmPassword = req.Password
			}
			if err := auth.ValidateResetPasswordForm(req); err != nil {
				return userError("reset-password", err)
			}
			if err := a.client.ResetPassword(ctx, req); err != nil {
				return userError("reset-password", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "password updated, sign in again")
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.Token, "token", "", "reset token from the email")
	cmd.Flags().StringVar(&req.Password, "password", "", "new password")
	cmd.Flags().StringVar(&req.ConfirmPassword, "confirm", "", "password confirmation (defaults to --password)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newVerifyEmailCommand() *cobra.Command {
	var req auth.EmailVerification
	cmd := &cobra.Command{
		Use:   "verify-email",
		Short: "Confirm an email address with the code the server sent",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.client.VerifyEmail(ctx, req); err != nil {
				return userError("verify-email", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s verified\n", req.Email)
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Code, "code", "", "verification code")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newCodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Issue and check local two-factor codes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "issue",
			Short: "Generate a new code, replacing any pending one",
			RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
				code, err := a.verifier.Issue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), code)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "verify CODE",
			Short: "Check CODE against the pending code",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
				if err := a.verifier.Verify(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "code accepted")
				return nil
			}),
		},
	)
	return cmd
}

func newWatchCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow app state changes from stdin and revalidate on foreground",
		Long: `Reads one app state per line (active, inactive, background) from stdin.
Each switch to active revalidates the session. Session changes are printed
as they happen. With --metrics-addr, Prometheus metrics are served at /metrics.`,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			unsubscribe := a.manager.Subscribe(func(s session.Session) {
				fmt.Fprintf(out, "session: %s (%s)\n", s.State, s.View())
			})
			defer unsubscribe()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					log.Info().Str("addr", metricsAddr).Msg("serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer done()
					return srv.Shutdown(shutdownCtx)
				})
			}

			// Not part of the group: a blocked stdin read must not hold up
			// shutdown on a signal.
			states := make(chan session.AppState)
			go func() {
				defer close(states)
				if err := readStates(ctx, cmd.InOrStdin(), states); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("failed to read app states")
				}
			}()
			g.Go(func() error {
				err := a.manager.WatchLifecycle(ctx, states)
				// stdin closed: stop the metrics server too
				cancel()
				return err
			})

			err := g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090")
	return cmd
}

// readStates sends each parseable line of r to states until r ends or
// ctx is cancelled. Unknown states are logged and skipped.
func readStates(ctx context.Context, r io.Reader, states chan<- session.AppState) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		state, err := session.ParseAppState(line)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring input")
			continue
		}
		select {
		case states <- state:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
