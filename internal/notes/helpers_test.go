package notes_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/MarcoPoloResearchLab/collab/internal/testdb"
	"github.com/MarcoPoloResearchLab/collab/internal/users"
	"github.com/stretchr/testify/require"
)

var (
	alice = users.User{ID: "user-alice", Username: "alice"}
	bob   = users.User{ID: "user-bob", Username: "bob"}
)

func newBackend(t *testing.T) *testdb.Backend {
	t.Helper()
	backend := testdb.NewWithOptions(t, testdb.Options{
		Clock: testdb.SteppingClock(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)),
	})
	for _, user := range []users.User{alice, bob} {
		insertRow(t, backend.Rows, rows.TableUsers, map[string]any{"id": user.ID, "username": user.Username})
	}
	return backend
}

func insertRow(t *testing.T, service rows.Service, table string, record map[string]any) json.RawMessage {
	t.Helper()
	payload, err := rows.Marshal(record)
	require.NoError(t, err)
	inserted, err := service.Insert(context.Background(), table, []json.RawMessage{payload}, rows.InsertOptions{})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	return inserted[0]
}

func fetchNote(t require.TestingT, service rows.Service, id notes.NoteID) notes.Note {
	found, err := service.Select(context.Background(), rows.TableNotes, rows.Query{
		Filters: []rows.Filter{rows.Eq("id", id.String())},
		Single:  true,
	})
	require.NoError(t, err)
	note, err := notes.DecodeNote(found[0])
	require.NoError(t, err)
	return note
}

// manualScheduler records timers and fires them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) notes.Timer {
	timer := &manualTimer{fn: f}
	s.mu.Lock()
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
	return timer
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fireAll runs every recorded callback once, including stopped ones, so that
// superseded timers are exercised too.
func (s *manualScheduler) fireAll() {
	s.mu.Lock()
	timers := append([]*manualTimer(nil), s.timers...)
	s.timers = nil
	s.mu.Unlock()
	for _, timer := range timers {
		timer.mu.Lock()
		alreadyFired := timer.fired
		timer.fired = true
		timer.mu.Unlock()
		if !alreadyFired {
			timer.fn()
		}
	}
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

type updateCounter struct {
	rows.Service
	mu      sync.Mutex
	updates []json.RawMessage
}

func (c *updateCounter) Update(ctx context.Context, table string, filters []rows.Filter, values json.RawMessage) ([]json.RawMessage, error) {
	c.mu.Lock()
	c.updates = append(c.updates, values)
	c.mu.Unlock()
	return c.Service.Update(ctx, table, filters, values)
}

func (c *updateCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// blockingRows holds every Update until release is closed.
type blockingRows struct {
	rows.Service
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRows(service rows.Service) *blockingRows {
	return &blockingRows{Service: service, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRows) Update(ctx context.Context, table string, filters []rows.Filter, values json.RawMessage) ([]json.RawMessage, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Service.Update(ctx, table, filters, values)
}

// blockingInserts holds the first insert into table until release is closed.
type blockingInserts struct {
	rows.Service
	table   string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlockingInserts(service rows.Service, table string) *blockingInserts {
	return &blockingInserts{Service: service, table: table, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingInserts) Insert(ctx context.Context, table string, records []json.RawMessage, options rows.InsertOptions) ([]json.RawMessage, error) {
	if table == b.table {
		b.once.Do(func() { close(b.started) })
		<-b.release
	}
	return b.Service.Insert(ctx, table, records, options)
}

func newEditor(t *testing.T, service rows.Service, changes rows.Feed, user users.User, scheduler notes.Scheduler) *notes.Editor {
	t.Helper()
	editor, err := notes.NewEditor(notes.EditorConfig{
		Rows:       service,
		Changes:    changes,
		IDProvider: ids.NewUUIDProvider(),
		User:       user,
		Scheduler:  scheduler,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = editor.Close(context.Background())
	})
	return editor
}
