package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/collab/internal/app"
	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"github.com/spf13/cobra"
)

func newProfileCommand() *cobra.Command {
	var forget bool
	cmd := &cobra.Command{
		Use:   "profile [name]",
		Short: "Show, choose or forget the anonymous chat profile",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().BoolVar(&forget, "forget", false, "Forget the cached profile")
	cmd.RunE = withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
		if ok, err := r.enter(app.RouteHome); !ok || err != nil {
			return err
		}
		resolver, err := users.NewResolver(users.ResolverConfig{
			Rows:       r.api,
			Cache:      r.state,
			IDProvider: ids.NewUUIDProvider(),
			Logger:     r.logger,
		})
		if err != nil {
			return err
		}

		if forget {
			if err := resolver.Forget(); err != nil {
				return err
			}
			r.println("Profile forgotten.")
			return nil
		}

		if len(args) == 0 {
			if user, ok := resolver.Cached(); ok {
				r.println(fmt.Sprintf("Chatting as %s (%s).", user.Username, user.ID))
				return nil
			}
			r.println("No profile yet. Choose one with `collab profile <name>`.")
			return nil
		}

		user, err := resolver.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		r.println(fmt.Sprintf("Chatting as %s (%s).", user.Username, user.ID))
		return nil
	})
	return cmd
}
