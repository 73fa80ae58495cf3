package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/app"
	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"github.com/spf13/cobra"
)

type noteEdit struct {
	title      string
	content    string
	setTitle   bool
	setContent bool
	hold       time.Duration
}

func newNotesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List, watch, create and edit shared notes",
	}
	cmd.AddCommand(
		newNotesListCommand(),
		newNotesWatchCommand(),
		newNotesNewCommand(),
		newNotesEditCommand(),
	)
	return cmd
}

func newNotesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notes, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
			if ok, err := r.enter(app.RouteNotes); !ok || err != nil {
				return err
			}
			list, err := r.newList(nil)
			if err != nil {
				return err
			}
			defer list.Close()
			loaded, err := list.Load(ctx)
			if err != nil {
				return err
			}
			r.println(formatNoteList(loaded, time.Local))
			return nil
		}),
	}
}

func newNotesWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the note list and reprint it on every change",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
			if ok, err := r.enter(app.RouteNotes); !ok || err != nil {
				return err
			}
			list, err := r.newList(func(snapshot []notes.Note) {
				r.println("---")
				r.println(formatNoteList(snapshot, time.Local))
			})
			if err != nil {
				return err
			}
			defer list.Close()
			loaded, err := list.Load(ctx)
			if err != nil {
				return err
			}
			r.println(formatNoteList(loaded, time.Local))
			if err := list.Listen(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}),
	}
}

func newNotesNewCommand() *cobra.Command {
	edit := &noteEdit{}
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a note",
		Args:  cobra.NoArgs,
	}
	bindNoteEditFlags(cmd, edit)
	cmd.RunE = withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
		if ok, err := r.enter(app.RouteNotes); !ok || err != nil {
			return err
		}
		edit.setTitle = cmd.Flags().Changed("title")
		edit.setContent = cmd.Flags().Changed("content")
		return r.runEditor(ctx, edit, func(editor *notes.Editor) (notes.Note, error) {
			editor.Update(edit.title, edit.content)
			return editor.Create(ctx)
		})
	})
	return cmd
}

func newNotesEditCommand() *cobra.Command {
	edit := &noteEdit{}
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Open a note, apply edits and save them",
		Args:  cobra.ExactArgs(1),
	}
	bindNoteEditFlags(cmd, edit)
	cmd.RunE = withRuntime(func(ctx context.Context, r *runtime, cmd *cobra.Command, args []string) error {
		if ok, err := r.enter(app.RouteNotes); !ok || err != nil {
			return err
		}
		id, err := notes.NewNoteID(args[0])
		if err != nil {
			return err
		}
		edit.setTitle = cmd.Flags().Changed("title")
		edit.setContent = cmd.Flags().Changed("content")
		return r.runEditor(ctx, edit, func(editor *notes.Editor) (notes.Note, error) {
			note, err := editor.Open(ctx, id)
			if err != nil {
				return notes.Note{}, err
			}
			title, content := editor.Draft()
			if edit.setTitle {
				title = edit.title
			}
			if edit.setContent {
				content = edit.content
			}
			if edit.setTitle || edit.setContent {
				editor.Update(title, content)
			}
			return note, nil
		})
	})
	return cmd
}

func bindNoteEditFlags(cmd *cobra.Command, edit *noteEdit) {
	cmd.Flags().StringVar(&edit.title, "title", "", "Note title")
	cmd.Flags().StringVar(&edit.content, "content", "", "Note content")
	cmd.Flags().DurationVar(&edit.hold, "hold", 0, "Stay in the note this long before leaving (interrupt to leave early)")
}

// runEditor opens an editor through start, reports presence, saves pending
// edits and leaves the note.
func (r *runtime) runEditor(ctx context.Context, edit *noteEdit, start func(*notes.Editor) (notes.Note, error)) error {
	user, err := r.currentUser()
	if err != nil {
		return err
	}
	editor, err := r.newEditor(ctx, user, edit.hold > 0)
	if err != nil {
		return err
	}
	defer func() {
		if err := editor.Close(context.Background()); err != nil {
			fmt.Fprintf(r.errOut, "leaving note failed: %v\n", err)
		}
	}()

	note, err := start(editor)
	if err != nil {
		return err
	}
	r.println(formatNote(note, time.Local))
	r.println(formatEditors(editor.ActiveUsers()))

	if edit.hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(edit.hold):
		}
	}

	if err := editor.Flush(context.Background()); err != nil {
		return err
	}
	if saved, ok := editor.Note(); ok && (edit.setTitle || edit.setContent) {
		r.println("Saved.")
		r.println(formatNote(saved, time.Local))
	}
	return nil
}

func (r *runtime) newList(onChange func([]notes.Note)) (*notes.List, error) {
	return notes.NewList(notes.ListConfig{
		Rows:     r.api,
		Changes:  r.api,
		Logger:   r.logger,
		OnChange: onChange,
	})
}

func (r *runtime) newEditor(ctx context.Context, user users.User, reportPresence bool) (*notes.Editor, error) {
	var onPresence func([]users.User)
	if reportPresence {
		onPresence = func(editors []users.User) {
			r.println(formatEditors(editors))
		}
	}
	return notes.NewEditor(notes.EditorConfig{
		Rows:        r.api,
		Changes:     r.api,
		IDProvider:  ids.NewUUIDProvider(),
		User:        user,
		Debounce:    r.cfg.Debounce,
		BaseContext: ctx,
		Logger:      r.logger,
		OnPresence:  onPresence,
	})
}
