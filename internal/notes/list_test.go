package notes_test

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/stretchr/testify/require"
)

func noteIDs(list []notes.Note) []string {
	identifiers := make([]string, 0, len(list))
	for _, note := range list {
		identifiers = append(identifiers, note.ID.String())
	}
	return identifiers
}

func TestListLoadOrdersByUpdatedAtDescending(t *testing.T) {
	backend := newBackend(t)
	for _, id := range []string{"note-1", "note-2", "note-3"} {
		insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": id, "title": id})
	}

	list, err := notes.NewList(notes.ListConfig{Rows: backend.Rows, Changes: backend.Hub})
	require.NoError(t, err)
	defer list.Close()

	loaded, err := list.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"note-3", "note-2", "note-1"}, noteIDs(loaded))
}

func TestListMirrorsChangesWithoutRefetch(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "title": "first"})

	changes := make(chan []notes.Note, 8)
	list, err := notes.NewList(notes.ListConfig{
		Rows:     backend.Rows,
		Changes:  backend.Hub,
		OnChange: func(snapshot []notes.Note) { changes <- snapshot },
	})
	require.NoError(t, err)
	defer list.Close()

	ctx := context.Background()
	_, err = list.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, list.Listen(ctx))

	next := func() []notes.Note {
		select {
		case snapshot := <-changes:
			return snapshot
		case <-time.After(2 * time.Second):
			t.Fatal("expected list change")
			return nil
		}
	}

	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-2", "title": "second"})
	require.Equal(t, []string{"note-2", "note-1"}, noteIDs(next()))

	values, err := rows.Marshal(map[string]string{"title": "renamed"})
	require.NoError(t, err)
	_, err = backend.Rows.Update(ctx, rows.TableNotes, []rows.Filter{rows.Eq("id", "note-1")}, values)
	require.NoError(t, err)
	updated := next()
	require.Equal(t, []string{"note-2", "note-1"}, noteIDs(updated), "updates replace in place")
	require.Equal(t, "renamed", updated[1].Title)

	_, err = backend.Rows.Delete(ctx, rows.TableNotes, []rows.Filter{rows.Eq("id", "note-2")})
	require.NoError(t, err)
	require.Equal(t, []string{"note-1"}, noteIDs(next()))
	require.Equal(t, []string{"note-1"}, noteIDs(list.Notes()))

	list.Close()
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-3"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"note-1"}, noteIDs(list.Notes()))

	_, err = list.Load(ctx)
	require.ErrorIs(t, err, notes.ErrListClosed)
}
