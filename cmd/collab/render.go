package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/app"
	"github.com/MarcoPoloResearchLab/collab/internal/chat"
	"github.com/MarcoPoloResearchLab/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
)

const (
	messageTimeLayout = "15:04:05"
	noteTimeLayout    = "2006-01-02 15:04"
)

func formatMessage(message chat.Message, location *time.Location) string {
	return fmt.Sprintf("[%s] %s: %s", message.CreatedAt.In(location).Format(messageTimeLayout), message.AuthorName(), message.Content)
}

func formatNote(note notes.Note, location *time.Location) string {
	return fmt.Sprintf("%s  %s  (updated %s)\n    %s",
		note.ID, note.DisplayTitle(), note.UpdatedAt.In(location).Format(noteTimeLayout), note.Preview())
}

func formatNoteList(list []notes.Note, location *time.Location) string {
	if len(list) == 0 {
		return "No notes yet. Create one with `collab notes new`."
	}
	lines := make([]string, 0, len(list))
	for _, note := range list {
		lines = append(lines, formatNote(note, location))
	}
	return strings.Join(lines, "\n")
}

func formatEditors(editors []users.User) string {
	if len(editors) == 0 {
		return "No one else is editing."
	}
	names := make([]string, 0, len(editors))
	for _, editor := range editors {
		names = append(names, editor.Username)
	}
	return "Also editing: " + strings.Join(names, ", ")
}

func redirectNotice(requested, resolved app.Route) string {
	var hint string
	switch resolved {
	case app.RouteHome:
		hint = "choose a profile with `collab profile <name>`"
	case app.RouteAuth:
		hint = "sign in with `collab login` or `collab signup`"
	case app.RouteDashboard:
		hint = "already signed in; see `collab dashboard`"
	default:
		hint = "open " + string(resolved)
	}
	return fmt.Sprintf("%s is not available, redirected to %s: %s", requested, resolved, hint)
}
