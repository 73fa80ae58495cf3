package notes_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEditorDebounceConvergesToLastEdit(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "title": "Start", "content": "start"})
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		counter := &updateCounter{Service: backend.Rows}
		scheduler := &manualScheduler{}
		editor, err := notes.NewEditor(notes.EditorConfig{
			Rows:       counter,
			Changes:    backend.Hub,
			IDProvider: &fixedIDProvider{},
			User:       alice,
			Scheduler:  scheduler,
		})
		if err != nil {
			rt.Fatalf("new editor: %v", err)
		}
		defer func() { _ = editor.Close(ctx) }()
		if _, err := editor.Open(ctx, "note-1"); err != nil {
			rt.Fatalf("open: %v", err)
		}

		edits := rapid.IntRange(1, 12).Draw(rt, "edits")
		for index := 0; index < edits; index++ {
			text := rapid.StringMatching(`[a-zA-Z ]{0,12}`).Draw(rt, "text")
			switch rapid.IntRange(0, 2).Draw(rt, "kind") {
			case 0:
				editor.SetTitle(text)
			case 1:
				editor.SetContent(text)
			default:
				editor.Update(text, text+"!")
			}
		}
		if counter.count() != 0 {
			rt.Fatalf("no save may happen inside the debounce window, got %d", counter.count())
		}
		if editor.State() != notes.StateSavePending {
			rt.Fatalf("expected save pending, got %s", editor.State())
		}

		title, content := editor.Draft()
		scheduler.fireAll()
		if counter.count() != 1 {
			rt.Fatalf("expected exactly one save after the quiet period, got %d", counter.count())
		}
		persisted := fetchNote(rt, backend.Rows, "note-1")
		wantTitle := strings.TrimSpace(title)
		if wantTitle == "" {
			wantTitle = notes.UntitledNote
		}
		if persisted.Title != wantTitle || persisted.Content != content {
			rt.Fatalf("expected final draft %q/%q persisted, got %q/%q", wantTitle, content, persisted.Title, persisted.Content)
		}
		if editor.State() != notes.StateSaved {
			rt.Fatalf("expected saved state, got %s", editor.State())
		}
	})
}

type fixedIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *fixedIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("created-%d", p.next), nil
}

func TestEditorCreateRoundTrip(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		title := rapid.StringMatching(`[ ]{0,2}[a-zA-Z0-9 ]{0,16}`).Draw(rt, "title")
		content := rapid.StringMatching(`[a-zA-Z0-9 .,!?éü\n\t]{0,80}`).Draw(rt, "content")

		editor, err := notes.NewEditor(notes.EditorConfig{
			Rows:       backend.Rows,
			Changes:    backend.Hub,
			IDProvider: ids.NewUUIDProvider(),
			User:       alice,
			Scheduler:  &manualScheduler{},
		})
		if err != nil {
			rt.Fatalf("new editor: %v", err)
		}
		editor.Update(title, content)
		if editor.State() != notes.StateNew {
			rt.Fatalf("edits before creation keep the editor new, got %s", editor.State())
		}

		created, err := editor.Create(ctx)
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		if err := editor.Close(ctx); err != nil {
			rt.Fatalf("close: %v", err)
		}

		reloaded := fetchNote(rt, backend.Rows, created.ID)
		wantTitle := strings.TrimSpace(title)
		if wantTitle == "" {
			wantTitle = notes.UntitledNote
		}
		if reloaded.DisplayTitle() != wantTitle {
			rt.Fatalf("expected title %q, got %q", wantTitle, reloaded.DisplayTitle())
		}
		if reloaded.Content != content {
			rt.Fatalf("expected content %q, got %q", content, reloaded.Content)
		}
		if _, err := backend.Rows.Delete(ctx, rows.TableNotes, []rows.Filter{rows.Eq("id", created.ID.String())}); err != nil {
			rt.Fatalf("cleanup: %v", err)
		}
	})
}

func TestEditorCreateTransitionsToExistingWithPresence(t *testing.T) {
	backend := newBackend(t)
	scheduler := &manualScheduler{}
	editor := newEditor(t, backend.Rows, backend.Hub, alice, scheduler)
	ctx := context.Background()

	_, err := editor.Open(ctx, "missing")
	require.ErrorIs(t, err, notes.ErrNoteNotFound)
	require.ErrorIs(t, editor.Save(ctx), notes.ErrNoteNotPersisted)

	editor.SetTitle("Draft")
	require.Zero(t, scheduler.pending(), "a new note is not auto-saved")

	created, err := editor.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, "Draft", created.Title)
	require.Equal(t, notes.StateSaved, editor.State())

	presence, err := backend.Rows.Select(ctx, rows.TableNoteEditors, rows.Query{
		Filters: []rows.Filter{rows.Eq("note_id", created.ID.String()), rows.Eq("user_id", alice.ID)},
	})
	require.NoError(t, err)
	require.Len(t, presence, 1)

	_, err = editor.Create(ctx)
	require.ErrorIs(t, err, notes.ErrNoteAlreadyOpen)

	editor.SetContent("body")
	require.Equal(t, notes.StateSavePending, editor.State())
	scheduler.fireAll()
	require.Equal(t, "body", fetchNote(t, backend.Rows, created.ID).Content)
}

func TestTwoEditorsLastCompletedWriteWins(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "title": "Shared"})
	ctx := context.Background()

	first := newEditor(t, backend.Rows, backend.Hub, alice, &manualScheduler{})
	second := newEditor(t, backend.Rows, backend.Hub, bob, &manualScheduler{})
	_, err := first.Open(ctx, "note-1")
	require.NoError(t, err)
	_, err = second.Open(ctx, "note-1")
	require.NoError(t, err)

	first.SetContent("A")
	second.SetContent("B")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, editor := range []*notes.Editor{first, second} {
		wg.Add(1)
		go func(editor *notes.Editor) {
			defer wg.Done()
			errs <- editor.Flush(ctx)
		}(editor)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	content := fetchNote(t, backend.Rows, "note-1").Content
	require.Contains(t, []string{"A", "B"}, content, "concurrent saves overwrite, never merge")

	first.SetContent("A2")
	require.NoError(t, first.Flush(ctx))
	second.SetContent("B2")
	require.NoError(t, second.Flush(ctx))
	require.Equal(t, "B2", fetchNote(t, backend.Rows, "note-1").Content)
}

func TestEditorInFlightGuardDropsOverlappingSave(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "content": "v0"})
	blocking := newBlockingRows(backend.Rows)
	scheduler := &manualScheduler{}
	editor := newEditor(t, blocking, backend.Hub, alice, scheduler)
	ctx := context.Background()

	_, err := editor.Open(ctx, "note-1")
	require.NoError(t, err)
	editor.SetContent("v1")

	saved := make(chan error, 1)
	go func() { saved <- editor.Flush(ctx) }()
	<-blocking.started

	editor.SetContent("v2")
	require.ErrorIs(t, editor.Save(ctx), notes.ErrSaveInFlight)
	scheduler.fireAll()
	require.Equal(t, notes.StateUnsaved, editor.State(), "the fired save is dropped, not queued")

	close(blocking.release)
	require.NoError(t, <-saved)
	require.Equal(t, "v1", fetchNote(t, backend.Rows, "note-1").Content)
	require.Equal(t, notes.StateUnsaved, editor.State())

	require.NoError(t, editor.Flush(ctx))
	require.Equal(t, "v2", fetchNote(t, backend.Rows, "note-1").Content)
	require.Equal(t, notes.StateSaved, editor.State())
}

func TestEditorCloseDropsPendingSaveAndLeavesPresence(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "content": "kept"})
	counter := &updateCounter{Service: backend.Rows}
	scheduler := &manualScheduler{}
	editor, err := notes.NewEditor(notes.EditorConfig{
		Rows:       counter,
		Changes:    backend.Hub,
		IDProvider: &fixedIDProvider{},
		User:       alice,
		Scheduler:  scheduler,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = editor.Open(ctx, "note-1")
	require.NoError(t, err)
	editor.SetContent("discarded")
	require.NoError(t, editor.Close(ctx))
	require.NoError(t, editor.Close(ctx))

	scheduler.fireAll()
	require.Zero(t, counter.count())
	require.Equal(t, "kept", fetchNote(t, backend.Rows, "note-1").Content)

	presence, err := backend.Rows.Select(ctx, rows.TableNoteEditors, rows.Query{Filters: []rows.Filter{rows.Eq("note_id", "note-1")}})
	require.NoError(t, err)
	require.Empty(t, presence)
	require.Zero(t, backend.Hub.SubscriberCount(rows.TableNoteEditors))

	editor.SetContent("ignored")
	_, err = editor.Open(ctx, "note-1")
	require.ErrorIs(t, err, notes.ErrEditorClosed)
}

func TestEditorCloseDuringPresenceUpsertLeavesNoEditorRow(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1"})
	blocking := newBlockingInserts(backend.Rows, rows.TableNoteEditors)
	editor := newEditor(t, blocking, backend.Hub, alice, &manualScheduler{})
	ctx := context.Background()

	opened := make(chan error, 1)
	go func() {
		_, err := editor.Open(ctx, "note-1")
		opened <- err
	}()
	<-blocking.started

	require.NoError(t, editor.Close(ctx))
	close(blocking.release)
	require.NoError(t, <-opened)

	presence, err := backend.Rows.Select(ctx, rows.TableNoteEditors, rows.Query{Filters: []rows.Filter{rows.Eq("note_id", "note-1")}})
	require.NoError(t, err)
	require.Empty(t, presence)
	require.Zero(t, backend.Hub.SubscriberCount(rows.TableNoteEditors))
}

func TestEditorPresenceTracksOtherEditors(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1"})
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-2"})
	ctx := context.Background()

	first := newEditor(t, backend.Rows, backend.Hub, alice, &manualScheduler{})
	_, err := first.Open(ctx, "note-1")
	require.NoError(t, err)
	require.Empty(t, first.ActiveUsers(), "the caller is excluded")

	elsewhere := newEditor(t, backend.Rows, backend.Hub, bob, &manualScheduler{})
	_, err = elsewhere.Open(ctx, "note-2")
	require.NoError(t, err)

	second := newEditor(t, backend.Rows, backend.Hub, bob, &manualScheduler{})
	_, err = second.Open(ctx, "note-1")
	require.NoError(t, err)
	require.Equal(t, []users.User{alice}, second.ActiveUsers())

	require.Eventually(t, func() bool {
		active := first.ActiveUsers()
		return len(active) == 1 && active[0] == bob
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, second.Close(ctx))
	require.Eventually(t, func() bool {
		return len(first.ActiveUsers()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEditorAutoSavesAfterQuietPeriod(t *testing.T) {
	backend := newBackend(t)
	insertRow(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1"})
	editor, err := notes.NewEditor(notes.EditorConfig{
		Rows:       backend.Rows,
		Changes:    backend.Hub,
		IDProvider: &fixedIDProvider{},
		User:       alice,
		Debounce:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = editor.Close(context.Background()) }()

	_, err = editor.Open(context.Background(), "note-1")
	require.NoError(t, err)
	editor.Update("  ", "typed")

	require.Eventually(t, func() bool {
		return editor.State() == notes.StateSaved
	}, 2*time.Second, 5*time.Millisecond)
	saved := fetchNote(t, backend.Rows, "note-1")
	require.Equal(t, notes.UntitledNote, saved.Title)
	require.Equal(t, "typed", saved.Content)
}
