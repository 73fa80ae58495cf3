package datastore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/MarcoPoloResearchLab/collab/internal/testdb"
)

func steppingClock() func() time.Time {
	current := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newBackend(t *testing.T) *testdb.Backend {
	t.Helper()
	return testdb.NewWithOptions(t, testdb.Options{Clock: steppingClock()})
}

func insertOne(t *testing.T, service rows.Service, table string, record map[string]any) map[string]any {
	t.Helper()
	payload, err := rows.Marshal(record)
	if err != nil {
		t.Fatalf("failed to encode record: %v", err)
	}
	inserted, err := service.Insert(context.Background(), table, []json.RawMessage{payload}, rows.InsertOptions{})
	if err != nil {
		t.Fatalf("insert into %s failed: %v", table, err)
	}
	if len(inserted) != 1 {
		t.Fatalf("expected one inserted row, got %d", len(inserted))
	}
	return decodeRow(t, inserted[0])
}

func decodeRow(t *testing.T, row json.RawMessage) map[string]any {
	t.Helper()
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		t.Fatalf("failed to decode row %s: %v", row, err)
	}
	return fields
}

func subscribe(t *testing.T, backend *testdb.Backend, topic rows.Topic) rows.Subscription {
	t.Helper()
	subscription, err := backend.Hub.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	t.Cleanup(subscription.Unsubscribe)
	return subscription
}

func nextEvent(t *testing.T, subscription rows.Subscription) rows.ChangeEvent {
	t.Helper()
	select {
	case event := <-subscription.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("expected change event")
		return rows.ChangeEvent{}
	}
}

func expectNoEvent(t *testing.T, subscription rows.Subscription) {
	t.Helper()
	select {
	case event := <-subscription.Events():
		t.Fatalf("unexpected change event %s %s", event.Type, event.New)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInsertAppliesDefaultsAndPublishes(t *testing.T) {
	backend := newBackend(t)
	subscription := subscribe(t, backend, rows.Topic{Table: rows.TableUsers, Event: rows.EventInsert})

	user := insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"username": "alice"})
	if id, _ := user["id"].(string); id == "" {
		t.Fatalf("expected generated id, got %#v", user)
	}
	if created, _ := user["created_at"].(string); created != "2026-10-01T12:00:01Z" {
		t.Fatalf("expected defaulted created_at, got %#v", user["created_at"])
	}

	event := nextEvent(t, subscription)
	if event.Type != rows.EventInsert || event.Table != rows.TableUsers {
		t.Fatalf("unexpected event %#v", event)
	}
	if decodeRow(t, event.New)["id"] != user["id"] {
		t.Fatalf("expected event to carry the inserted row")
	}
}

func TestInsertRejectsInvalidRecords(t *testing.T) {
	backend := newBackend(t)
	user := insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-1", "username": "alice"})

	testCases := []struct {
		name   string
		table  string
		record string
		code   string
	}{
		{name: "unknown-table", table: "profiles", record: `{"id":"x"}`, code: rows.CodeUnknownTable},
		{name: "unknown-column", table: rows.TableUsers, record: `{"username":"bob","email":"b@example.com"}`, code: rows.CodeUnknownColumn},
		{name: "missing-required", table: rows.TableMessages, record: `{"user_id":"user-1"}`, code: rows.CodeNotNull},
		{name: "explicit-null", table: rows.TableUsers, record: `{"username":null}`, code: rows.CodeNotNull},
		{name: "missing-reference", table: rows.TableMessages, record: `{"content":"hi","user_id":"ghost"}`, code: rows.CodeForeignKey},
		{name: "duplicate-key", table: rows.TableUsers, record: `{"id":"user-1","username":"again"}`, code: rows.CodeUniqueViolation},
		{name: "bad-timestamp", table: rows.TableNotes, record: `{"title":"t","updated_at":"yesterday"}`, code: rows.CodeInvalidBody},
		{name: "not-an-object", table: rows.TableNotes, record: `["title"]`, code: rows.CodeInvalidBody},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := backend.Rows.Insert(context.Background(), testCase.table, []json.RawMessage{json.RawMessage(testCase.record)}, rows.InsertOptions{})
			if rows.ErrorCode(err) != testCase.code {
				t.Fatalf("expected %s, got %v", testCase.code, err)
			}
		})
	}

	stored, err := backend.Rows.Select(context.Background(), rows.TableUsers, rows.Query{})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(stored) != 1 || decodeRow(t, stored[0])["id"] != user["id"] {
		t.Fatalf("expected failed inserts to leave only the original user, got %d rows", len(stored))
	}
}

func TestBatchInsertIsAtomic(t *testing.T) {
	backend := newBackend(t)
	records := []json.RawMessage{
		json.RawMessage(`{"id":"user-1","username":"alice"}`),
		json.RawMessage(`{"id":"user-1","username":"alice-again"}`),
	}
	if _, err := backend.Rows.Insert(context.Background(), rows.TableUsers, records, rows.InsertOptions{}); rows.ErrorCode(err) != rows.CodeUniqueViolation {
		t.Fatalf("expected unique violation, got %v", err)
	}
	stored, err := backend.Rows.Select(context.Background(), rows.TableUsers, rows.Query{})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected rollback of the whole batch, got %d rows", len(stored))
	}
}

func TestSelectOrdersLimitsAndEmbedsUsers(t *testing.T) {
	backend := newBackend(t)
	insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-1", "username": "alice"})
	for _, content := range []string{"first", "second", "third"} {
		insertOne(t, backend.Rows, rows.TableMessages, map[string]any{"content": content, "user_id": "user-1"})
	}

	found, err := backend.Rows.Select(context.Background(), rows.TableMessages, rows.Query{
		Columns: []string{"id", "content"},
		Embeds:  []rows.Embed{{Name: rows.TableUsers, Columns: []string{"id", "username"}}},
		Order:   []rows.Order{{Column: "created_at", Descending: true}},
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected two rows, got %d", len(found))
	}

	first := decodeRow(t, found[0])
	if first["content"] != "third" || decodeRow(t, found[1])["content"] != "second" {
		t.Fatalf("expected newest first, got %s then %s", found[0], found[1])
	}
	if _, ok := first["created_at"]; ok {
		t.Fatalf("expected projection to drop created_at, got %s", found[0])
	}
	embedded, ok := first["users"].(map[string]any)
	if !ok {
		t.Fatalf("expected embedded user, got %s", found[0])
	}
	if embedded["username"] != "alice" || embedded["id"] != "user-1" {
		t.Fatalf("unexpected embedded user %#v", embedded)
	}
	if _, ok := embedded["created_at"]; ok {
		t.Fatalf("expected embed projection to drop created_at")
	}

	plain, err := backend.Rows.Select(context.Background(), rows.TableMessages, rows.Query{Limit: 1})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, ok := decodeRow(t, plain[0])["users"]; ok {
		t.Fatalf("expected no embed unless requested, got %s", plain[0])
	}
}

func TestSelectSingleRequiresExactlyOneRow(t *testing.T) {
	backend := newBackend(t)
	query := rows.Query{Filters: []rows.Filter{rows.Eq("username", "alice")}, Single: true}

	if _, err := backend.Rows.Select(context.Background(), rows.TableUsers, query); !rows.IsNoRows(err) {
		t.Fatalf("expected no rows error for zero matches, got %v", err)
	}

	insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-1", "username": "alice"})
	found, err := backend.Rows.Select(context.Background(), rows.TableUsers, query)
	if err != nil {
		t.Fatalf("expected single row, got %v", err)
	}
	if len(found) != 1 || decodeRow(t, found[0])["id"] != "user-1" {
		t.Fatalf("unexpected single row %v", found)
	}

	insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-2", "username": "alice"})
	if _, err := backend.Rows.Select(context.Background(), rows.TableUsers, query); !rows.IsNoRows(err) {
		t.Fatalf("expected no rows error for two matches, got %v", err)
	}
}

func TestSelectRejectsUnknownColumnsAndEmbeds(t *testing.T) {
	backend := newBackend(t)
	testCases := []struct {
		name  string
		query rows.Query
		code  string
	}{
		{name: "column", query: rows.Query{Columns: []string{"email"}}, code: rows.CodeUnknownColumn},
		{name: "filter", query: rows.Query{Filters: []rows.Filter{rows.Eq("email", "x")}}, code: rows.CodeUnknownColumn},
		{name: "order", query: rows.Query{Order: []rows.Order{{Column: "rank"}}}, code: rows.CodeUnknownColumn},
		{name: "embed", query: rows.Query{Embeds: []rows.Embed{{Name: rows.TableNotes}}}, code: rows.CodeUnknownEmbed},
		{name: "embed-column", query: rows.Query{Embeds: []rows.Embed{{Name: rows.TableUsers, Columns: []string{"email"}}}}, code: rows.CodeUnknownColumn},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := backend.Rows.Select(context.Background(), rows.TableMessages, testCase.query); rows.ErrorCode(err) != testCase.code {
				t.Fatalf("expected %s, got %v", testCase.code, err)
			}
		})
	}
}

func TestSelectInFilter(t *testing.T) {
	backend := newBackend(t)
	for _, id := range []string{"a", "b", "c"} {
		insertOne(t, backend.Rows, rows.TableNotes, map[string]any{"id": id, "title": id})
	}
	found, err := backend.Rows.Select(context.Background(), rows.TableNotes, rows.Query{
		Filters: []rows.Filter{rows.In("id", "a", "c")},
		Order:   []rows.Order{{Column: "id"}},
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(found) != 2 || decodeRow(t, found[0])["id"] != "a" || decodeRow(t, found[1])["id"] != "c" {
		t.Fatalf("unexpected rows %v", found)
	}
}

func TestUpsertMergesOnPrimaryKey(t *testing.T) {
	backend := newBackend(t)
	insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-1", "username": "alice"})
	insertOne(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "title": "Plan"})
	subscription := subscribe(t, backend, rows.Topic{Table: rows.TableNoteEditors})

	presence := json.RawMessage(`{"note_id":"note-1","user_id":"user-1"}`)
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := backend.Rows.Insert(context.Background(), rows.TableNoteEditors, []json.RawMessage{presence}, rows.InsertOptions{Upsert: true}); err != nil {
			t.Fatalf("upsert %d failed: %v", attempt, err)
		}
	}
	if event := nextEvent(t, subscription); event.Type != rows.EventInsert {
		t.Fatalf("expected first upsert to insert, got %s", event.Type)
	}
	expectNoEvent(t, subscription)

	editors, err := backend.Rows.Select(context.Background(), rows.TableNoteEditors, rows.Query{Filters: []rows.Filter{rows.Eq("note_id", "note-1")}})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(editors) != 1 {
		t.Fatalf("expected a single presence row, got %d", len(editors))
	}

	if _, err := backend.Rows.Insert(context.Background(), rows.TableNoteEditors, []json.RawMessage{presence}, rows.InsertOptions{}); rows.ErrorCode(err) != rows.CodeUniqueViolation {
		t.Fatalf("expected plain insert of an existing key to fail, got %v", err)
	}

	notesSubscription := subscribe(t, backend, rows.Topic{Table: rows.TableNotes})
	merged, err := backend.Rows.Insert(context.Background(), rows.TableNotes, []json.RawMessage{json.RawMessage(`{"id":"note-1","content":"body"}`)}, rows.InsertOptions{Upsert: true})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	row := decodeRow(t, merged[0])
	if row["title"] != "Plan" || row["content"] != "body" {
		t.Fatalf("expected merge of provided columns only, got %s", merged[0])
	}
	event := nextEvent(t, notesSubscription)
	if event.Type != rows.EventUpdate || decodeRow(t, event.Old)["content"] != "" {
		t.Fatalf("expected update event carrying the old row, got %#v", event)
	}
}

func TestUpdateByFilterPublishesOldAndNew(t *testing.T) {
	backend := newBackend(t)
	insertOne(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1", "title": "Draft", "content": "v1"})
	insertOne(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-2", "title": "Other"})
	subscription := subscribe(t, backend, rows.Topic{Table: rows.TableNotes, Event: rows.EventUpdate})

	updatedAt := time.Date(2026, 10, 2, 8, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	payload, err := rows.Marshal(map[string]any{"title": "Final", "content": "v2", "updated_at": updatedAt.Format(time.RFC3339Nano)})
	if err != nil {
		t.Fatalf("failed to encode update: %v", err)
	}
	updated, err := backend.Rows.Update(context.Background(), rows.TableNotes, []rows.Filter{rows.Eq("id", "note-1")}, payload)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(updated) != 1 {
		t.Fatalf("expected one updated row, got %d", len(updated))
	}
	row := decodeRow(t, updated[0])
	if row["title"] != "Final" || row["content"] != "v2" {
		t.Fatalf("unexpected updated row %s", updated[0])
	}
	if row["updated_at"] != "2026-10-02T06:30:00Z" {
		t.Fatalf("expected updated_at normalized to UTC, got %v", row["updated_at"])
	}

	event := nextEvent(t, subscription)
	if decodeRow(t, event.Old)["title"] != "Draft" || decodeRow(t, event.New)["title"] != "Final" {
		t.Fatalf("expected old and new rows, got %#v", event)
	}
	expectNoEvent(t, subscription)

	untouched, err := backend.Rows.Select(context.Background(), rows.TableNotes, rows.Query{Filters: []rows.Filter{rows.Eq("id", "note-2")}, Single: true})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if decodeRow(t, untouched[0])["title"] != "Other" {
		t.Fatalf("expected other note unchanged")
	}
}

func TestUpdateValidation(t *testing.T) {
	backend := newBackend(t)
	insertOne(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1"})

	if _, err := backend.Rows.Update(context.Background(), rows.TableNotes, nil, json.RawMessage(`{"title":"x"}`)); rows.ErrorCode(err) != rows.CodeInvalidQuery {
		t.Fatalf("expected filter requirement, got %v", err)
	}
	if _, err := backend.Rows.Update(context.Background(), rows.TableNotes, []rows.Filter{rows.Eq("id", "note-1")}, json.RawMessage(`{"id":"note-9"}`)); rows.ErrorCode(err) != rows.CodeInvalidBody {
		t.Fatalf("expected immutable key error, got %v", err)
	}
	if _, err := backend.Rows.Update(context.Background(), rows.TableNotes, []rows.Filter{rows.Eq("id", "note-1")}, json.RawMessage(`{"rank":1}`)); rows.ErrorCode(err) != rows.CodeUnknownColumn {
		t.Fatalf("expected unknown column error, got %v", err)
	}

	none, err := backend.Rows.Update(context.Background(), rows.TableNotes, []rows.Filter{rows.Eq("id", "missing")}, json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("expected update of no rows to succeed, got %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no rows, got %d", len(none))
	}
}

func TestDeleteByMatchPublishesOldRow(t *testing.T) {
	backend := newBackend(t)
	insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-1", "username": "alice"})
	insertOne(t, backend.Rows, rows.TableUsers, map[string]any{"id": "user-2", "username": "bob"})
	insertOne(t, backend.Rows, rows.TableNotes, map[string]any{"id": "note-1"})
	for _, userID := range []string{"user-1", "user-2"} {
		insertOne(t, backend.Rows, rows.TableNoteEditors, map[string]any{"note_id": "note-1", "user_id": userID})
	}
	filter := rows.Eq("note_id", "note-1")
	subscription := subscribe(t, backend, rows.Topic{Table: rows.TableNoteEditors, Event: rows.EventDelete, Filter: &filter})

	if _, err := backend.Rows.Delete(context.Background(), rows.TableNoteEditors, nil); rows.ErrorCode(err) != rows.CodeInvalidQuery {
		t.Fatalf("expected filter requirement, got %v", err)
	}

	removed, err := backend.Rows.Delete(context.Background(), rows.TableNoteEditors, []rows.Filter{filter, rows.Eq("user_id", "user-1")})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected one removed row, got %d", len(removed))
	}
	event := nextEvent(t, subscription)
	if decodeRow(t, event.Old)["user_id"] != "user-1" || len(event.New) != 0 {
		t.Fatalf("expected delete event with old row only, got %#v", event)
	}

	remaining, err := backend.Rows.Select(context.Background(), rows.TableNoteEditors, rows.Query{
		Filters: []rows.Filter{filter},
		Embeds:  []rows.Embed{{Name: rows.TableUsers, Columns: []string{"id", "username"}}},
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected one remaining editor, got %d", len(remaining))
	}
	embedded := decodeRow(t, remaining[0])["users"].(map[string]any)
	if embedded["username"] != "bob" {
		t.Fatalf("unexpected remaining editor %s", remaining[0])
	}
}
