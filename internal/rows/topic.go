package rows

import (
	"encoding/json"
	"strconv"
)

// Topic selects which change events a subscriber receives.
type Topic struct {
	Table  string
	Event  EventType
	Filter *Filter
}

// Matches reports whether event belongs to the topic. Filters are evaluated
// against the new row, or the old row for deletes.
func (t Topic) Matches(event ChangeEvent) bool {
	if event.Table != t.Table {
		return false
	}
	if t.Event != "" && t.Event != EventAll && t.Event != event.Type {
		return false
	}
	if t.Filter == nil {
		return true
	}
	payload := event.New
	if event.Type == EventDelete {
		payload = event.Old
	}
	return t.Filter.MatchesRow(payload)
}

// MatchesRow evaluates the filter against a JSON object row.
func (f Filter) MatchesRow(row json.RawMessage) bool {
	if len(row) == 0 {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	raw, ok := fields[f.Column]
	if !ok {
		return false
	}
	value := scalarString(raw)
	switch f.Operator {
	case OperatorEq:
		return value == f.Value
	case OperatorNeq:
		return value != f.Value
	case OperatorIn:
		for _, candidate := range f.Values {
			if candidate == value {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func scalarString(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
