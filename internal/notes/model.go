package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	// UntitledNote is shown and stored for notes with a blank title.
	UntitledNote = "Untitled Note"
	// EmptyPreview is shown for notes without content.
	EmptyPreview  = "No content"
	previewLength = 60
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrMalformedNote indicates a notes row that failed validation.
	ErrMalformedNote = errors.New("notes: malformed note row")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Note is a notes row.
type Note struct {
	ID        NoteID
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type noteRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecodeNote validates a notes row.
func DecodeNote(payload []byte) (Note, error) {
	var record noteRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	id, err := NewNoteID(record.ID)
	if err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	return Note{
		ID:        id,
		Title:     record.Title,
		Content:   record.Content,
		CreatedAt: record.CreatedAt.UTC(),
		UpdatedAt: record.UpdatedAt.UTC(),
	}, nil
}

// DisplayTitle returns the title, or UntitledNote when it is blank.
func (n Note) DisplayTitle() string {
	return storedTitle(n.Title)
}

// Preview returns the first 60 characters of content, marked with an
// ellipsis when truncated.
func (n Note) Preview() string {
	if n.Content == "" {
		return EmptyPreview
	}
	if utf8.RuneCountInString(n.Content) <= previewLength {
		return n.Content
	}
	runes := []rune(n.Content)
	return string(runes[:previewLength]) + "..."
}

func storedTitle(title string) string {
	if trimmed := strings.TrimSpace(title); trimmed != "" {
		return trimmed
	}
	return UntitledNote
}
