// Package chat keeps a live view of the shared message feed.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/users"
)

// ErrMalformedMessage indicates a messages row missing required fields.
var ErrMalformedMessage = errors.New("chat: malformed message row")

// Message is a messages row joined with its author.
type Message struct {
	ID        string
	Content   string
	UserID    string
	CreatedAt time.Time
	// Author is the zero value when the row was fetched without the users embed.
	Author users.User
}

type messageRecord struct {
	ID        string          `json:"id"`
	Content   *string         `json:"content"`
	UserID    string          `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
	Users     json.RawMessage `json:"users"`
}

// DecodeMessage validates a messages row. An embedded users object, when
// present and not null, must itself be valid.
func DecodeMessage(payload []byte) (Message, error) {
	var record messageRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case strings.TrimSpace(record.ID) == "":
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	case record.Content == nil:
		return Message{}, fmt.Errorf("%w: missing content", ErrMalformedMessage)
	case strings.TrimSpace(record.UserID) == "":
		return Message{}, fmt.Errorf("%w: missing user_id", ErrMalformedMessage)
	case record.CreatedAt.IsZero():
		return Message{}, fmt.Errorf("%w: missing created_at", ErrMalformedMessage)
	}

	message := Message{
		ID:        record.ID,
		Content:   *record.Content,
		UserID:    record.UserID,
		CreatedAt: record.CreatedAt.UTC(),
	}
	if len(record.Users) > 0 && string(record.Users) != "null" {
		author, err := users.DecodeUser(record.Users)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if author.ID != message.UserID {
			return Message{}, fmt.Errorf("%w: author %s does not match user_id %s", ErrMalformedMessage, author.ID, message.UserID)
		}
		message.Author = author
	}
	return message, nil
}

// AuthorName returns the author's username, or the user id when the row was
// not joined.
func (m Message) AuthorName() string {
	if m.Author.Username != "" {
		return m.Author.Username
	}
	return m.UserID
}
