// Package rows defines the contract of the hosted data service: the row CRUD +
// filter surface and the per-table change feed. Both the HTTP client and the
// in-process datastore implement it.
package rows

import (
	"context"
	"encoding/json"
	"time"
)

// Table names exposed by the service.
const (
	TableUsers       = "users"
	TableMessages    = "messages"
	TableNotes       = "notes"
	TableNoteEditors = "note_editors"
)

// Operator enumerates the supported filter operators.
type Operator string

const (
	OperatorEq  Operator = "eq"
	OperatorNeq Operator = "neq"
	OperatorIn  Operator = "in"
)

// Filter restricts a query to rows whose column matches the value(s).
type Filter struct {
	Column   string
	Operator Operator
	Value    string
	Values   []string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Operator: OperatorEq, Value: value}
}

// In builds a membership filter.
func In(column string, values ...string) Filter {
	return Filter{Column: column, Operator: OperatorIn, Values: append([]string(nil), values...)}
}

// Order sorts query results by a column.
type Order struct {
	Column     string
	Descending bool
}

// Embed requests a related table to be joined into each row under its name.
type Embed struct {
	Name    string
	Columns []string
}

// Query describes a select request. Empty Columns selects every column.
type Query struct {
	Columns []string
	Embeds  []Embed
	Filters []Filter
	Order   []Order
	Limit   int
	// Single requests exactly one row; any other count fails with CodeNoRows.
	Single bool
}

// InsertOptions tunes an insert request.
type InsertOptions struct {
	// Upsert merges into an existing row with the same primary key.
	Upsert bool
}

// EventType enumerates change feed event kinds.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// ChangeEvent is delivered to subscribers after a committed write.
type ChangeEvent struct {
	Type            EventType       `json:"type"`
	Table           string          `json:"table"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Service is the row CRUD + filter surface.
type Service interface {
	Select(ctx context.Context, table string, query Query) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, records []json.RawMessage, options InsertOptions) ([]json.RawMessage, error)
	Update(ctx context.Context, table string, filters []Filter, values json.RawMessage) ([]json.RawMessage, error)
	Delete(ctx context.Context, table string, filters []Filter) ([]json.RawMessage, error)
}

// Subscription is a live change feed registration.
type Subscription interface {
	// Events is closed once the subscription ends.
	Events() <-chan ChangeEvent
	Unsubscribe()
}

// Feed is the subscription surface.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic) (Subscription, error)
}

// Marshal encodes a record for Insert or Update.
func Marshal(record any) (json.RawMessage, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(encoded), nil
}
