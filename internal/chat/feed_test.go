package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/chat"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/MarcoPoloResearchLab/collab/internal/testdb"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type countingRows struct {
	rows.Service
	mu    sync.Mutex
	calls int
}

func (c *countingRows) Insert(ctx context.Context, table string, records []json.RawMessage, options rows.InsertOptions) ([]json.RawMessage, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Service.Insert(ctx, table, records, options)
}

func (c *countingRows) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newBackend(t *testing.T) *testdb.Backend {
	t.Helper()
	return testdb.NewWithOptions(t, testdb.Options{
		Clock: testdb.SteppingClock(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)),
	})
}

func seedUser(t *testing.T, backend *testdb.Backend, id, username string) {
	t.Helper()
	record, err := rows.Marshal(map[string]string{"id": id, "username": username})
	require.NoError(t, err)
	_, err = backend.Rows.Insert(context.Background(), rows.TableUsers, []json.RawMessage{record}, rows.InsertOptions{})
	require.NoError(t, err)
}

func newFeed(t *testing.T, service rows.Service, changes rows.Feed, onAppend func(chat.Message)) *chat.Feed {
	t.Helper()
	feed, err := chat.NewFeed(chat.FeedConfig{Rows: service, Changes: changes, OnAppend: onAppend})
	require.NoError(t, err)
	t.Cleanup(feed.Close)
	return feed
}

func countMessages(t require.TestingT, service rows.Service, userID string) int {
	found, err := service.Select(context.Background(), rows.TableMessages, rows.Query{
		Filters: []rows.Filter{rows.Eq("user_id", userID)},
	})
	require.NoError(t, err)
	return len(found)
}

func TestLoadReturnsMostRecentInAscendingOrder(t *testing.T) {
	backend := newBackend(t)
	seedUser(t, backend, "user-1", "alice")
	feed := newFeed(t, backend.Rows, backend.Hub, nil)
	ctx := context.Background()

	for index := 1; index <= chat.DefaultHistoryLimit+10; index++ {
		_, err := feed.Send(ctx, "user-1", fmt.Sprintf("message %02d", index))
		require.NoError(t, err)
	}

	history, err := feed.Load(ctx)
	require.NoError(t, err)
	require.Len(t, history, chat.DefaultHistoryLimit)
	require.Equal(t, "message 11", history[0].Content)
	require.Equal(t, "message 60", history[len(history)-1].Content)
	for index := 1; index < len(history); index++ {
		require.True(t, history[index-1].CreatedAt.Before(history[index].CreatedAt))
	}
	require.Equal(t, "alice", history[0].AuthorName())
	require.Equal(t, history, feed.Messages())
}

func TestSendTrimsAndRejectsBlankContent(t *testing.T) {
	backend := newBackend(t)
	seedUser(t, backend, "user-1", "alice")
	counting := &countingRows{Service: backend.Rows}
	feed := newFeed(t, counting, backend.Hub, nil)

	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.StringMatching(`[a-zA-Z0-9][a-zA-Z0-9 ?!.]{0,30}`).Draw(rt, "text")
		padding := rapid.StringMatching(`[ \t\n]{0,3}`).Draw(rt, "padding")
		before := countMessages(rt, backend.Rows, "user-1")

		message, err := feed.Send(context.Background(), "user-1", padding+text+padding)
		if err != nil {
			rt.Fatalf("send failed: %v", err)
		}
		if message.UserID != "user-1" {
			rt.Fatalf("expected message attributed to user-1, got %s", message.UserID)
		}
		if message.Content != strings.TrimSpace(text) {
			rt.Fatalf("expected trimmed content %q, got %q", strings.TrimSpace(text), message.Content)
		}
		if after := countMessages(rt, backend.Rows, "user-1"); after != before+1 {
			rt.Fatalf("expected exactly one new row, had %d now %d", before, after)
		}

		calls := counting.count()
		blank := rapid.StringMatching(`[ \t\n]{0,5}`).Draw(rt, "blank")
		if _, err := feed.Send(context.Background(), "user-1", blank); err != chat.ErrEmptyMessage {
			rt.Fatalf("expected ErrEmptyMessage for %q, got %v", blank, err)
		}
		if counting.count() != calls {
			rt.Fatalf("blank content must not issue a request")
		}
	})
}

func TestSendRequiresUser(t *testing.T) {
	backend := newBackend(t)
	feed := newFeed(t, backend.Rows, backend.Hub, nil)
	_, err := feed.Send(context.Background(), " ", "hello")
	require.ErrorIs(t, err, chat.ErrUserRequired)
}

func TestListenAppendsExactlyTheEventsSeenBeforeClose(t *testing.T) {
	backend := newBackend(t)
	seedUser(t, backend, "user-1", "alice")
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		received := rapid.IntRange(0, 6).Draw(rt, "received")
		late := rapid.IntRange(1, 4).Draw(rt, "late")

		feed, err := chat.NewFeed(chat.FeedConfig{Rows: backend.Rows, Changes: backend.Hub})
		if err != nil {
			rt.Fatalf("new feed: %v", err)
		}
		if err := feed.Listen(ctx); err != nil {
			rt.Fatalf("listen: %v", err)
		}
		for index := 0; index < received; index++ {
			if _, err := feed.Send(ctx, "user-1", fmt.Sprintf("live %d", index)); err != nil {
				rt.Fatalf("send: %v", err)
			}
		}
		waitFor(rt, func() bool { return len(feed.Messages()) == received })

		feed.Close()
		for index := 0; index < late; index++ {
			if _, err := feed.Send(ctx, "user-1", fmt.Sprintf("late %d", index)); err != nil {
				rt.Fatalf("send after close: %v", err)
			}
		}
		time.Sleep(20 * time.Millisecond)

		messages := feed.Messages()
		if len(messages) != received {
			rt.Fatalf("expected %d messages after teardown, got %d", received, len(messages))
		}
		for index, message := range messages {
			if message.Content != fmt.Sprintf("live %d", index) || message.Author.Username != "alice" {
				rt.Fatalf("unexpected message %d: %#v", index, message)
			}
		}
	})
}

func waitFor(rt *rapid.T, condition func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			rt.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenQuarantinesMalformedEvents(t *testing.T) {
	backend := newBackend(t)
	seedUser(t, backend, "user-1", "alice")
	appended := make(chan chat.Message, 4)
	feed := newFeed(t, backend.Rows, backend.Hub, func(message chat.Message) {
		appended <- message
	})
	ctx := context.Background()
	require.NoError(t, feed.Listen(ctx))
	require.ErrorIs(t, feed.Listen(ctx), chat.ErrAlreadyListening)

	backend.Hub.Publish(rows.ChangeEvent{Type: rows.EventInsert, Table: rows.TableMessages, New: json.RawMessage(`{"content":"no id"}`)})
	backend.Hub.Publish(rows.ChangeEvent{Type: rows.EventInsert, Table: rows.TableMessages, New: json.RawMessage(`{"id":"missing-row"}`)})
	_, err := feed.Send(ctx, "user-1", "hello")
	require.NoError(t, err)

	select {
	case message := <-appended:
		require.Equal(t, "hello", message.Content)
		require.Equal(t, "alice", message.Author.Username)
	case <-time.After(2 * time.Second):
		t.Fatal("expected valid message to be appended")
	}
	require.Len(t, feed.Messages(), 1)
}

func TestClosedFeedRejectsUse(t *testing.T) {
	backend := newBackend(t)
	feed := newFeed(t, backend.Rows, backend.Hub, nil)
	feed.Close()
	feed.Close()

	require.ErrorIs(t, feed.Listen(context.Background()), chat.ErrClosed)
	_, err := feed.Load(context.Background())
	require.ErrorIs(t, err, chat.ErrClosed)
}

func TestDecodeMessageRejectsMalformedRows(t *testing.T) {
	testCases := map[string]string{
		"missing-id":      `{"content":"hi","user_id":"u1","created_at":"2026-10-01T00:00:00Z"}`,
		"missing-content": `{"id":"m1","user_id":"u1","created_at":"2026-10-01T00:00:00Z"}`,
		"missing-user":    `{"id":"m1","content":"hi","created_at":"2026-10-01T00:00:00Z"}`,
		"missing-time":    `{"id":"m1","content":"hi","user_id":"u1"}`,
		"bad-author":      `{"id":"m1","content":"hi","user_id":"u1","created_at":"2026-10-01T00:00:00Z","users":{"id":"u1"}}`,
		"foreign-author":  `{"id":"m1","content":"hi","user_id":"u1","created_at":"2026-10-01T00:00:00Z","users":{"id":"u2","username":"bob"}}`,
	}
	for name, payload := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := chat.DecodeMessage([]byte(payload))
			require.ErrorIs(t, err, chat.ErrMalformedMessage)
		})
	}

	message, err := chat.DecodeMessage([]byte(`{"id":"m1","content":"hi","user_id":"u1","created_at":"2026-10-01T00:00:00Z","users":null}`))
	require.NoError(t, err)
	require.Equal(t, "u1", message.AuthorName())
}
