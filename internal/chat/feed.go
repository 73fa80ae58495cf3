package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"go.uber.org/zap"
)

// DefaultHistoryLimit is the number of recent messages loaded on open.
const DefaultHistoryLimit = 50

var (
	// ErrEmptyMessage indicates blank message content.
	ErrEmptyMessage = errors.New("chat: message content required")
	// ErrUserRequired indicates a send without an author.
	ErrUserRequired = errors.New("chat: user id required")
	// ErrClosed indicates use of a closed feed.
	ErrClosed = errors.New("chat: feed closed")
	// ErrAlreadyListening indicates a second Listen on the same feed.
	ErrAlreadyListening = errors.New("chat: feed already listening")

	errMissingRows = errors.New("chat: rows service required")
	errMissingFeed = errors.New("chat: change feed required")
)

var (
	messageColumns = []string{"id", "content", "created_at", "user_id"}
	authorEmbed    = rows.Embed{Name: rows.TableUsers, Columns: []string{"id", "username"}}
)

// FeedConfig describes the dependencies of a Feed.
type FeedConfig struct {
	Rows         rows.Service
	Changes      rows.Feed
	HistoryLimit int
	Logger       *zap.Logger
	// OnAppend is called from the listener goroutine after a live message is
	// appended. It must not call Close.
	OnAppend func(Message)
}

// Feed holds the recent message history and appends live inserts.
type Feed struct {
	rows     rows.Service
	changes  rows.Feed
	limit    int
	logger   *zap.Logger
	onAppend func(Message)

	mu        sync.Mutex
	messages  []Message
	closed    bool
	listening bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewFeed validates cfg and constructs a Feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Rows == nil {
		return nil, errMissingRows
	}
	if cfg.Changes == nil {
		return nil, errMissingFeed
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		rows:     cfg.Rows,
		changes:  cfg.Changes,
		limit:    limit,
		logger:   logger,
		onAppend: cfg.OnAppend,
	}, nil
}

// Load replaces the history with the most recent messages in ascending
// creation order.
func (f *Feed) Load(ctx context.Context) ([]Message, error) {
	found, err := f.rows.Select(ctx, rows.TableMessages, rows.Query{
		Columns: messageColumns,
		Embeds:  []rows.Embed{authorEmbed},
		Order:   []rows.Order{{Column: "created_at", Descending: true}},
		Limit:   f.limit,
	})
	if err != nil {
		f.logger.Error("failed to load messages", zap.Error(err))
		return nil, fmt.Errorf("chat: load: %w", err)
	}

	history := make([]Message, 0, len(found))
	for index := len(found) - 1; index >= 0; index-- {
		message, err := DecodeMessage(found[index])
		if err != nil {
			f.logger.Warn("skipping malformed message", zap.Error(err))
			continue
		}
		history = append(history, message)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.messages = history
	return f.snapshotLocked(), nil
}

// Send inserts one message. The feed itself is updated by the live insert
// event, not by the response.
func (f *Feed) Send(ctx context.Context, userID, content string) (Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if strings.TrimSpace(userID) == "" {
		return Message{}, ErrUserRequired
	}

	record, err := rows.Marshal(map[string]string{"user_id": userID, "content": text})
	if err != nil {
		return Message{}, fmt.Errorf("chat: encode message: %w", err)
	}
	inserted, err := f.rows.Insert(ctx, rows.TableMessages, []json.RawMessage{record}, rows.InsertOptions{})
	if err != nil {
		f.logger.Error("failed to send message", zap.String("user_id", userID), zap.Error(err))
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}
	if len(inserted) != 1 {
		return Message{}, fmt.Errorf("%w: insert returned %d rows", ErrMalformedMessage, len(inserted))
	}
	return DecodeMessage(inserted[0])
}

// Listen subscribes to message inserts and appends each one, re-fetched with
// its author, in arrival order.
func (f *Feed) Listen(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.listening {
		f.mu.Unlock()
		return ErrAlreadyListening
	}
	f.listening = true
	listenCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.loopDone = make(chan struct{})
	f.mu.Unlock()

	subscription, err := f.changes.Subscribe(listenCtx, rows.Topic{Table: rows.TableMessages, Event: rows.EventInsert})
	if err != nil {
		cancel()
		f.mu.Lock()
		f.listening = false
		close(f.loopDone)
		f.mu.Unlock()
		f.logger.Error("failed to subscribe to messages", zap.Error(err))
		return fmt.Errorf("chat: subscribe: %w", err)
	}

	go f.consume(listenCtx, subscription, f.loopDone)
	return nil
}

func (f *Feed) consume(ctx context.Context, subscription rows.Subscription, done chan struct{}) {
	defer close(done)
	defer subscription.Unsubscribe()

	for event := range subscription.Events() {
		message, err := f.refetch(ctx, event)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("skipping message event", zap.Error(err))
			continue
		}
		if !f.append(message) {
			return
		}
		if f.onAppend != nil {
			f.onAppend(message)
		}
	}
}

func (f *Feed) refetch(ctx context.Context, event rows.ChangeEvent) (Message, error) {
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.New, &key); err != nil || strings.TrimSpace(key.ID) == "" {
		return Message{}, fmt.Errorf("%w: insert event without id", ErrMalformedMessage)
	}
	found, err := f.rows.Select(ctx, rows.TableMessages, rows.Query{
		Columns: messageColumns,
		Embeds:  []rows.Embed{authorEmbed},
		Filters: []rows.Filter{rows.Eq("id", key.ID)},
		Single:  true,
	})
	if err != nil {
		return Message{}, fmt.Errorf("chat: refetch %s: %w", key.ID, err)
	}
	return DecodeMessage(found[0])
}

func (f *Feed) append(message Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.messages = append(f.messages, message)
	return true
}

// Messages returns a copy of the current history.
func (f *Feed) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Feed) snapshotLocked() []Message {
	snapshot := make([]Message, len(f.messages))
	copy(snapshot, f.messages)
	return snapshot
}

// Close stops listening and waits for the listener to exit. The history is
// frozen afterwards.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cancel := f.cancel
	done := f.loopDone
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
