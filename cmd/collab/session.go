package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/collab/internal/app"
	"github.com/MarcoPoloResearchLab/collab/internal/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSignUpCommand() *cobra.Command {
	var email, username string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and start a session",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&username, "username", "", "Display name")
	cmd.RunE = withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
		if ok, err := r.enter(app.RouteAuth); !ok || err != nil {
			return err
		}
		address, err := r.valueOrPrompt(email, "Email: ")
		if err != nil {
			return err
		}
		name, err := r.valueOrPrompt(username, "Username: ")
		if err != nil {
			return err
		}
		password, err := r.password("Password: ")
		if err != nil {
			return err
		}
		session, err := r.api.SignUp(ctx, address, password, name)
		if err != nil {
			r.logger.Error("sign up failed", zap.String("email", address), zap.Error(err))
			return err
		}
		return r.adoptSession(session, "Signed up")
	})
	return cmd
}

func newLoginCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.RunE = withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
		if ok, err := r.enter(app.RouteAuth); !ok || err != nil {
			return err
		}
		address, err := r.valueOrPrompt(email, "Email: ")
		if err != nil {
			return err
		}
		password, err := r.password("Password: ")
		if err != nil {
			return err
		}
		session, err := r.api.SignIn(ctx, address, password)
		if err != nil {
			r.logger.Error("sign in failed", zap.String("email", address), zap.Error(err))
			return err
		}
		return r.adoptSession(session, "Signed in")
	})
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
			if _, ok := r.state.Session(); !ok {
				r.println("Not signed in.")
				return nil
			}
			if err := r.api.SignOut(ctx); err != nil {
				r.logger.Warn("sign out request failed", zap.Error(err))
			}
			if err := r.state.ClearSession(); err != nil {
				return err
			}
			r.println("Signed out.")
			return nil
		}),
	}
}

func newDashboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show the signed-in account and available views",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
			if ok, err := r.enter(app.RouteDashboard); !ok || err != nil {
				return err
			}
			user, err := r.api.User(ctx)
			if err != nil {
				r.logger.Error("session lookup failed", zap.Error(err))
				return err
			}
			r.println(fmt.Sprintf("Signed in as %s <%s>.", user.Username, user.Email))
			r.println("Views: `collab chat`, `collab notes list`.")
			return nil
		}),
	}
}

func (r *runtime) valueOrPrompt(value, label string) (string, error) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed, nil
	}
	entered, err := r.prompt(label)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(entered), nil
}

func (r *runtime) adoptSession(session client.Session, verb string) error {
	if err := r.state.SetSession(session); err != nil {
		return err
	}
	r.println(fmt.Sprintf("%s as %s.", verb, session.User.Username))
	return nil
}
