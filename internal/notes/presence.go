package notes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"go.uber.org/zap"
)

var editorEmbed = rows.Embed{Name: rows.TableUsers, Columns: []string{"id", "username"}}

type presenceRecord struct {
	NoteID string          `json:"note_id"`
	UserID string          `json:"user_id"`
	Users  json.RawMessage `json:"users"`
}

// enterPresence registers the caller as an editor of id, loads the current
// editors and follows changes to them. Failures are logged and leave the
// editor usable.
func (e *Editor) enterPresence(ctx context.Context, id NoteID) {
	record, err := rows.Marshal(map[string]string{"note_id": id.String(), "user_id": e.user.ID})
	if err == nil {
		_, err = e.rows.Insert(ctx, rows.TableNoteEditors, []json.RawMessage{record}, rows.InsertOptions{Upsert: true})
	}
	if err != nil {
		logError(e.logger, opPresenceEnter, "upsert_failed", err, zap.String("note_id", id.String()))
	}

	// A Close during the upsert may have deleted before the row existed.
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		_ = e.leavePresence(ctx, id)
		return
	}

	e.refreshEditors(ctx, id)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	listenCtx, cancel := context.WithCancel(e.baseCtx)
	done := make(chan struct{})
	e.presenceCancel = cancel
	e.presenceDone = done
	e.mu.Unlock()

	filter := rows.Eq("note_id", id.String())
	subscription, err := e.changes.Subscribe(listenCtx, rows.Topic{Table: rows.TableNoteEditors, Event: rows.EventAll, Filter: &filter})
	if err != nil {
		logError(e.logger, opPresenceListen, "subscribe_failed", err, zap.String("note_id", id.String()))
		close(done)
		return
	}

	go func() {
		defer close(done)
		defer subscription.Unsubscribe()
		for range subscription.Events() {
			if listenCtx.Err() != nil {
				return
			}
			e.refreshEditors(listenCtx, id)
		}
	}()
}

// refreshEditors replaces the editor set with a fresh fetch.
func (e *Editor) refreshEditors(ctx context.Context, id NoteID) {
	editors, err := e.fetchEditors(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			logError(e.logger, opPresenceFetch, "select_failed", err, zap.String("note_id", id.String()))
		}
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.editors = editors
	others := e.othersLocked()
	e.mu.Unlock()

	if e.onPresence != nil {
		e.onPresence(others)
	}
}

func (e *Editor) fetchEditors(ctx context.Context, id NoteID) ([]users.User, error) {
	found, err := e.rows.Select(ctx, rows.TableNoteEditors, rows.Query{
		Columns: []string{"note_id", "user_id"},
		Embeds:  []rows.Embed{editorEmbed},
		Filters: []rows.Filter{rows.Eq("note_id", id.String())},
	})
	if err != nil {
		return nil, err
	}
	editors := make([]users.User, 0, len(found))
	for _, payload := range found {
		editor, err := decodeEditor(payload)
		if err != nil {
			e.logger.Warn("skipping malformed presence row", zap.Error(err))
			continue
		}
		editors = append(editors, editor)
	}
	return editors, nil
}

func decodeEditor(payload []byte) (users.User, error) {
	var record presenceRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return users.User{}, err
	}
	editor, err := users.DecodeUser(record.Users)
	if err != nil {
		return users.User{}, err
	}
	if editor.ID != record.UserID {
		return users.User{}, fmt.Errorf("%w: presence user %s does not match %s", users.ErrMalformedUser, editor.ID, record.UserID)
	}
	return editor, nil
}

// leavePresence removes the caller's presence row.
func (e *Editor) leavePresence(ctx context.Context, id NoteID) error {
	_, err := e.rows.Delete(ctx, rows.TableNoteEditors, []rows.Filter{
		rows.Eq("note_id", id.String()),
		rows.Eq("user_id", e.user.ID),
	})
	if err != nil {
		logError(e.logger, opPresenceLeave, "delete_failed", err, zap.String("note_id", id.String()))
		return newServiceError(opPresenceLeave, "delete_failed", err)
	}
	return nil
}
