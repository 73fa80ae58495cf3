package notes

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"go.uber.org/zap"
)

// ErrListClosed indicates use of a closed list.
var ErrListClosed = errors.New("notes: list closed")

// ListConfig describes the dependencies of a List.
type ListConfig struct {
	Rows    rows.Service
	Changes rows.Feed
	Logger  *zap.Logger
	// OnChange receives a snapshot after each applied event. It runs on the
	// listener goroutine and must not call Close.
	OnChange func([]Note)
}

// List mirrors the notes table ordered by last modification.
type List struct {
	rows     rows.Service
	changes  rows.Feed
	logger   *zap.Logger
	onChange func([]Note)

	mu        sync.Mutex
	notes     []Note
	closed    bool
	listening bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewList validates cfg and constructs a List.
func NewList(cfg ListConfig) (*List, error) {
	if cfg.Rows == nil {
		return nil, newServiceError(opListNew, "missing_rows", errMissingRows)
	}
	if cfg.Changes == nil {
		return nil, newServiceError(opListNew, "missing_feed", errMissingFeed)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &List{
		rows:     cfg.Rows,
		changes:  cfg.Changes,
		logger:   logger,
		onChange: cfg.OnChange,
	}, nil
}

// Load replaces the list with every note, most recently updated first.
func (l *List) Load(ctx context.Context) ([]Note, error) {
	found, err := l.rows.Select(ctx, rows.TableNotes, rows.Query{
		Order: []rows.Order{{Column: "updated_at", Descending: true}},
	})
	if err != nil {
		logError(l.logger, opListLoad, "select_failed", err)
		return nil, newServiceError(opListLoad, "select_failed", err)
	}

	loaded := make([]Note, 0, len(found))
	for _, payload := range found {
		note, err := DecodeNote(payload)
		if err != nil {
			l.logger.Warn("skipping malformed note", zap.Error(err))
			continue
		}
		loaded = append(loaded, note)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrListClosed
	}
	l.notes = loaded
	return l.snapshotLocked(), nil
}

// Listen mirrors insert, update and delete events into the list without
// re-fetching.
func (l *List) Listen(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListClosed
	}
	if l.listening {
		l.mu.Unlock()
		return nil
	}
	l.listening = true
	listenCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	done := make(chan struct{})
	l.loopDone = done
	l.mu.Unlock()

	subscription, err := l.changes.Subscribe(listenCtx, rows.Topic{Table: rows.TableNotes, Event: rows.EventAll})
	if err != nil {
		cancel()
		close(done)
		l.mu.Lock()
		l.listening = false
		l.mu.Unlock()
		logError(l.logger, opListListen, "subscribe_failed", err)
		return newServiceError(opListListen, "subscribe_failed", err)
	}

	go func() {
		defer close(done)
		defer subscription.Unsubscribe()
		for event := range subscription.Events() {
			snapshot, ok := l.apply(event)
			if !ok {
				continue
			}
			if l.onChange != nil {
				l.onChange(snapshot)
			}
		}
	}()
	return nil
}

// apply mutates the list for one event. It reports false when the event was
// ignored or the list is closed.
func (l *List) apply(event rows.ChangeEvent) ([]Note, bool) {
	payload := event.New
	if event.Type == rows.EventDelete {
		payload = event.Old
	}
	note, err := DecodeNote(payload)
	if err != nil {
		l.logger.Warn("skipping malformed note event", zap.String("event_type", string(event.Type)), zap.Error(err))
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	switch event.Type {
	case rows.EventInsert:
		l.notes = append([]Note{note}, l.removeLocked(note.ID)...)
	case rows.EventUpdate:
		for index := range l.notes {
			if l.notes[index].ID == note.ID {
				l.notes[index] = note
			}
		}
	case rows.EventDelete:
		l.notes = l.removeLocked(note.ID)
	default:
		return nil, false
	}
	return l.snapshotLocked(), true
}

func (l *List) removeLocked(id NoteID) []Note {
	kept := l.notes[:0:0]
	for _, existing := range l.notes {
		if existing.ID != id {
			kept = append(kept, existing)
		}
	}
	return kept
}

// Notes returns a copy of the current list.
func (l *List) Notes() []Note {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *List) snapshotLocked() []Note {
	snapshot := make([]Note, len(l.notes))
	copy(snapshot, l.notes)
	return snapshot
}

// Close stops listening and waits for the listener to exit.
func (l *List) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.cancel
	done := l.loopDone
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
