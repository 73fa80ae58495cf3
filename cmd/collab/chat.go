package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/app"
	"github.com/MarcoPoloResearchLab/collab/internal/chat"
	"github.com/spf13/cobra"
)

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Join the chat room; each input line is sent as a message",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
			if ok, err := r.enter(app.RouteChat); !ok || err != nil {
				return err
			}
			user, err := r.currentUser()
			if err != nil {
				return err
			}
			return r.runChat(ctx, user.ID)
		}),
	}
}

func (r *runtime) runChat(ctx context.Context, userID string) error {
	feed, err := chat.NewFeed(chat.FeedConfig{
		Rows:         r.api,
		Changes:      r.api,
		HistoryLimit: r.cfg.HistoryLimit,
		Logger:       r.logger,
		OnAppend: func(message chat.Message) {
			r.println(formatMessage(message, time.Local))
		},
	})
	if err != nil {
		return err
	}
	defer feed.Close()

	history, err := feed.Load(ctx)
	if err != nil {
		return err
	}
	for _, message := range history {
		r.println(formatMessage(message, time.Local))
	}
	if err := feed.Listen(ctx); err != nil {
		return err
	}

	lines := r.lines(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := feed.Send(ctx, userID, line); err != nil {
				if errors.Is(err, chat.ErrEmptyMessage) {
					continue
				}
				fmt.Fprintf(r.errOut, "send failed: %v\n", err)
			}
		}
	}
}
