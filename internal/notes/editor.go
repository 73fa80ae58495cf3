package notes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before an edit is saved.
const DefaultDebounce = 2 * time.Second

var (
	// ErrSaveInFlight indicates a save attempted while another is running.
	// The attempt is dropped, not queued.
	ErrSaveInFlight = errors.New("notes: save already in flight")
	// ErrNoteNotFound indicates that the note does not exist.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrNoteNotPersisted indicates a save or open on an editor without a note.
	ErrNoteNotPersisted = errors.New("notes: note not created")
	// ErrEditorClosed indicates use of a closed editor.
	ErrEditorClosed = errors.New("notes: editor closed")
	// ErrNoteAlreadyOpen indicates Open or Create on an editor that holds a note.
	ErrNoteAlreadyOpen = errors.New("notes: editor already holds a note")
)

// EditorState is the editor's save state.
type EditorState string

const (
	// StateNew holds a draft that has not been created.
	StateNew EditorState = "new"
	// StateUnsaved holds edits that no timer will save.
	StateUnsaved EditorState = "unsaved"
	// StateSavePending holds edits waiting for the debounce timer.
	StateSavePending EditorState = "save_pending"
	// StateSaved matches the last completed save or load.
	StateSaved EditorState = "saved"
)

// EditorConfig describes the dependencies of an Editor.
type EditorConfig struct {
	Rows       rows.Service
	Changes    rows.Feed
	IDProvider ids.Provider
	User       users.User
	Debounce   time.Duration
	Scheduler  Scheduler
	Clock      func() time.Time
	// BaseContext bounds timer driven saves. Closing the editor does not
	// cancel a save already issued.
	BaseContext context.Context
	Logger      *zap.Logger
	// OnPresence receives the other active editors after each refresh.
	OnPresence func([]users.User)
}

// Editor edits one note with debounced auto-save and presence tracking.
type Editor struct {
	rows       rows.Service
	changes    rows.Feed
	idProvider ids.Provider
	user       users.User
	debounce   time.Duration
	scheduler  Scheduler
	clock      func() time.Time
	baseCtx    context.Context
	logger     *zap.Logger
	onPresence func([]users.User)

	mu         sync.Mutex
	note       *Note
	title      string
	content    string
	state      EditorState
	generation uint64
	timer      Timer
	inFlight   bool
	closed     bool
	editors    []users.User

	presenceCancel context.CancelFunc
	presenceDone   chan struct{}
}

// NewEditor validates cfg and constructs an editor holding an empty draft.
func NewEditor(cfg EditorConfig) (*Editor, error) {
	if cfg.Rows == nil {
		return nil, newServiceError(opEditorNew, "missing_rows", errMissingRows)
	}
	if cfg.Changes == nil {
		return nil, newServiceError(opEditorNew, "missing_feed", errMissingFeed)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEditorNew, "missing_id_provider", errMissingIDProvider)
	}
	if _, err := NewUserID(cfg.User.ID); err != nil {
		return nil, newServiceError(opEditorNew, "invalid_user", err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = clockScheduler{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Editor{
		rows:       cfg.Rows,
		changes:    cfg.Changes,
		idProvider: cfg.IDProvider,
		user:       cfg.User,
		debounce:   debounce,
		scheduler:  scheduler,
		clock:      clock,
		baseCtx:    baseCtx,
		logger:     logger,
		onPresence: cfg.OnPresence,
		state:      StateNew,
	}, nil
}

// Open loads an existing note and enters presence.
func (e *Editor) Open(ctx context.Context, id NoteID) (Note, error) {
	generation, err := e.ensureEmpty()
	if err != nil {
		return Note{}, err
	}
	found, err := e.rows.Select(ctx, rows.TableNotes, rows.Query{
		Filters: []rows.Filter{rows.Eq("id", id.String())},
		Single:  true,
	})
	if rows.IsNoRows(err) {
		return Note{}, newServiceError(opEditorOpen, "not_found", ErrNoteNotFound)
	}
	if err != nil {
		logError(e.logger, opEditorOpen, "select_failed", err, zap.String("note_id", id.String()))
		return Note{}, newServiceError(opEditorOpen, "select_failed", err)
	}
	note, err := DecodeNote(found[0])
	if err != nil {
		return Note{}, newServiceError(opEditorOpen, "decode_failed", err)
	}

	if err := e.adopt(note, generation); err != nil {
		return Note{}, err
	}
	e.enterPresence(ctx, note.ID)
	return note, nil
}

// Create inserts the current draft as a new note and enters presence.
func (e *Editor) Create(ctx context.Context) (Note, error) {
	generation, err := e.ensureEmpty()
	if err != nil {
		return Note{}, err
	}
	id, err := e.idProvider.NewID()
	if err != nil {
		return Note{}, newServiceError(opEditorCreate, "id_failed", err)
	}

	e.mu.Lock()
	title, content := e.title, e.content
	e.mu.Unlock()

	record, err := rows.Marshal(map[string]string{
		"id":      id,
		"title":   storedTitle(title),
		"content": content,
	})
	if err != nil {
		return Note{}, newServiceError(opEditorCreate, "encode_failed", err)
	}
	inserted, err := e.rows.Insert(ctx, rows.TableNotes, []json.RawMessage{record}, rows.InsertOptions{})
	if err != nil {
		logError(e.logger, opEditorCreate, "insert_failed", err)
		return Note{}, newServiceError(opEditorCreate, "insert_failed", err)
	}
	if len(inserted) != 1 {
		return Note{}, newServiceError(opEditorCreate, "insert_failed", ErrMalformedNote)
	}
	note, err := DecodeNote(inserted[0])
	if err != nil {
		return Note{}, newServiceError(opEditorCreate, "decode_failed", err)
	}

	if err := e.adopt(note, generation); err != nil {
		return Note{}, err
	}
	e.enterPresence(ctx, note.ID)
	return note, nil
}

// ensureEmpty returns the draft generation of an editor without a note.
func (e *Editor) ensureEmpty() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEditorClosed
	}
	if e.note != nil {
		return 0, ErrNoteAlreadyOpen
	}
	return e.generation, nil
}

// adopt binds the editor to note. Draft edits made after generation was read
// are kept and left unsaved.
func (e *Editor) adopt(note Note, generation uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEditorClosed
	}
	if e.note != nil {
		return ErrNoteAlreadyOpen
	}
	e.note = &note
	if e.generation == generation {
		e.title, e.content = note.Title, note.Content
		e.state = StateSaved
		return nil
	}
	e.state = StateUnsaved
	return nil
}

// SetTitle replaces the draft title.
func (e *Editor) SetTitle(title string) {
	e.edit(func() { e.title = title })
}

// SetContent replaces the draft content.
func (e *Editor) SetContent(content string) {
	e.edit(func() { e.content = content })
}

// Update replaces both draft fields as one edit.
func (e *Editor) Update(title, content string) {
	e.edit(func() {
		e.title = title
		e.content = content
	})
}

// edit applies mutate and restarts the debounce timer.
func (e *Editor) edit(mutate func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	mutate()
	e.generation++
	if e.note == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	generation := e.generation
	e.timer = e.scheduler.AfterFunc(e.debounce, func() {
		e.fire(generation)
	})
	e.state = StateSavePending
}

// fire runs the save for a timer that was not superseded.
func (e *Editor) fire(generation uint64) {
	e.mu.Lock()
	if e.closed || generation != e.generation {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	if err := e.save(e.baseCtx); err != nil && !errors.Is(err, ErrSaveInFlight) {
		e.logger.Warn("auto-save failed", zap.Error(err))
	}
}

// Save writes the draft now unless another save is in flight.
func (e *Editor) Save(ctx context.Context) error {
	return e.save(ctx)
}

// Flush cancels the pending timer and saves outstanding edits.
func (e *Editor) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.generation++
	}
	pending := e.note != nil && (e.state == StateSavePending || e.state == StateUnsaved)
	e.mu.Unlock()
	if !pending {
		return nil
	}
	return e.save(ctx)
}

func (e *Editor) save(ctx context.Context) error {
	e.mu.Lock()
	if e.note == nil {
		e.mu.Unlock()
		return newServiceError(opEditorSave, "not_persisted", ErrNoteNotPersisted)
	}
	if e.inFlight {
		if e.timer == nil && e.state == StateSavePending {
			e.state = StateUnsaved
		}
		e.mu.Unlock()
		return ErrSaveInFlight
	}
	e.inFlight = true
	id := e.note.ID
	title, content := e.title, e.content
	generation := e.generation
	e.mu.Unlock()

	saved, err := e.update(ctx, id, title, content)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight = false
	if err != nil {
		if e.timer == nil {
			e.state = StateUnsaved
		}
		return err
	}
	e.note = &saved
	switch {
	case e.timer != nil:
		e.state = StateSavePending
	case generation == e.generation:
		e.state = StateSaved
	default:
		e.state = StateUnsaved
	}
	return nil
}

func (e *Editor) update(ctx context.Context, id NoteID, title, content string) (Note, error) {
	values, err := rows.Marshal(map[string]any{
		"title":      storedTitle(title),
		"content":    content,
		"updated_at": e.clock().UTC(),
	})
	if err != nil {
		return Note{}, newServiceError(opEditorSave, "encode_failed", err)
	}
	updated, err := e.rows.Update(ctx, rows.TableNotes, []rows.Filter{rows.Eq("id", id.String())}, values)
	if err != nil {
		logError(e.logger, opEditorSave, "update_failed", err, zap.String("note_id", id.String()))
		return Note{}, newServiceError(opEditorSave, "update_failed", err)
	}
	if len(updated) == 0 {
		return Note{}, newServiceError(opEditorSave, "not_found", ErrNoteNotFound)
	}
	note, err := DecodeNote(updated[0])
	if err != nil {
		return Note{}, newServiceError(opEditorSave, "decode_failed", err)
	}
	return note, nil
}

// State returns the save state.
func (e *Editor) State() EditorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Draft returns the current title and content.
func (e *Editor) Draft() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.title, e.content
}

// Note returns the last loaded or saved note.
func (e *Editor) Note() (Note, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.note == nil {
		return Note{}, false
	}
	return *e.note, true
}

// ActiveUsers returns the other users with the note open.
func (e *Editor) ActiveUsers() []users.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.othersLocked()
}

func (e *Editor) othersLocked() []users.User {
	others := make([]users.User, 0, len(e.editors))
	for _, editor := range e.editors {
		if editor.ID != e.user.ID {
			others = append(others, editor)
		}
	}
	return others
}

// Close drops any pending save, leaves presence and stops listening. A save
// already in flight still completes.
func (e *Editor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
	note := e.note
	cancel := e.presenceCancel
	done := e.presenceDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if note == nil {
		return nil
	}
	return e.leavePresence(ctx, note.ID)
}

// PendingSave reports whether edits are waiting on the debounce timer.
func (e *Editor) PendingSave() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}
