package datastore

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func decodeObject(tableName string, payload json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, rows.NewError(rows.CodeInvalidBody, "expected a JSON object for %s", tableName)
	}
	return fields, nil
}

// convertFields validates column names and converts JSON values to column values.
// Every column is NOT NULL.
func (s *schema) convertFields(fields map[string]json.RawMessage) (map[string]any, error) {
	values := make(map[string]any, len(fields))
	for column, raw := range fields {
		kind, ok := s.columns[column]
		if !ok {
			return nil, &rows.Error{
				Code:    rows.CodeUnknownColumn,
				Message: "Could not find the '" + column + "' column of '" + s.name + "'",
			}
		}
		if string(raw) == "null" {
			return nil, s.notNullError(column)
		}
		value, err := s.convertValue(column, kind, raw)
		if err != nil {
			return nil, err
		}
		values[column] = value
	}
	return values, nil
}

func (s *schema) convertValue(column string, kind columnKind, raw json.RawMessage) (any, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, rows.NewError(rows.CodeInvalidBody, "column %q of %s expects a string", column, s.name)
	}
	return s.convertText(column, kind, text)
}

func (s *schema) convertText(column string, kind columnKind, text string) (any, error) {
	if kind != kindTime {
		return text, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return nil, rows.NewError(rows.CodeInvalidBody, "column %q of %s expects an RFC 3339 timestamp", column, s.name)
	}
	return parsed.UTC(), nil
}

func (s *schema) notNullError(column string) error {
	return &rows.Error{
		Code:    rows.CodeNotNull,
		Message: "null value in column \"" + column + "\" of relation \"" + s.name + "\" violates not-null constraint",
	}
}

func (s *schema) checkRequired(values map[string]any) error {
	for _, column := range s.required {
		if _, ok := values[column]; !ok {
			return s.notNullError(column)
		}
	}
	return nil
}

func (s *schema) validateColumns(columns []string) error {
	for _, column := range columns {
		if _, ok := s.columns[column]; !ok {
			return &rows.Error{
				Code:    rows.CodeUnknownColumn,
				Message: "column " + s.name + "." + column + " does not exist",
			}
		}
	}
	return nil
}

func (s *schema) whereKey(tx *gorm.DB, values map[string]any) *gorm.DB {
	for _, column := range s.primaryKey {
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: column}, Value: values[column]})
	}
	return tx
}

func (s *schema) keyOf(row json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return nil, err
	}
	key := make(map[string]any, len(s.primaryKey))
	for _, column := range s.primaryKey {
		key[column] = fields[column]
	}
	return key, nil
}

func (s *schema) applyFilters(tx *gorm.DB, filters []rows.Filter) (*gorm.DB, error) {
	for _, filter := range filters {
		kind, ok := s.columns[filter.Column]
		if !ok {
			return nil, s.validateColumns([]string{filter.Column})
		}
		column := clause.Column{Name: filter.Column}
		switch filter.Operator {
		case rows.OperatorEq, rows.OperatorNeq:
			value, err := s.convertText(filter.Column, kind, filter.Value)
			if err != nil {
				return nil, rows.NewError(rows.CodeInvalidQuery, "invalid filter value for %s", filter.Column)
			}
			if filter.Operator == rows.OperatorEq {
				tx = tx.Where(clause.Eq{Column: column, Value: value})
			} else {
				tx = tx.Where(clause.Neq{Column: column, Value: value})
			}
		case rows.OperatorIn:
			values := make([]any, 0, len(filter.Values))
			for _, raw := range filter.Values {
				value, err := s.convertText(filter.Column, kind, raw)
				if err != nil {
					return nil, rows.NewError(rows.CodeInvalidQuery, "invalid filter value for %s", filter.Column)
				}
				values = append(values, value)
			}
			if len(values) == 0 {
				tx = tx.Where("1 = 0")
				continue
			}
			tx = tx.Where(clause.IN{Column: column, Values: values})
		default:
			return nil, rows.NewError(rows.CodeInvalidQuery, "unsupported filter operator %q", filter.Operator)
		}
	}
	return tx, nil
}

// project trims a row to the requested columns and embeds.
func project(row json.RawMessage, columns []string, embeds []rows.Embed) (json.RawMessage, error) {
	if len(columns) == 0 && len(embeds) == 0 {
		return row, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return nil, err
	}
	projected := make(map[string]json.RawMessage, len(columns)+len(embeds))
	if len(columns) == 0 {
		for key, value := range fields {
			projected[key] = value
		}
	}
	for _, column := range columns {
		if value, ok := fields[column]; ok {
			projected[column] = value
		}
	}
	for _, embed := range embeds {
		nested, ok := fields[embed.Name]
		if !ok || string(nested) == "null" {
			projected[embed.Name] = json.RawMessage("null")
			continue
		}
		trimmed, err := project(nested, embed.Columns, nil)
		if err != nil {
			return nil, err
		}
		projected[embed.Name] = trimmed
	}
	return json.Marshal(projected)
}
