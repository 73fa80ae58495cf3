// Package datastore implements the row CRUD surface on GORM and publishes every
// committed change.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError reports an unexpected storage failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "datastore.<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "datastore.service.new"
	opSelect     = "datastore.select"
	opInsert     = "datastore.insert"
	opUpdate     = "datastore.update"
	opDelete     = "datastore.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Publisher receives committed change events.
type Publisher interface {
	Publish(event rows.ChangeEvent)
}

// ServiceConfig wires the datastore dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Publisher  Publisher
}

// Service implements rows.Service.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	publisher  Publisher
	tables     map[string]table
}

var _ rows.Service = (*Service)(nil)

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		publisher:  cfg.Publisher,
		tables:     newTables(),
	}, nil
}

func (s *Service) lookup(tableName string) (table, error) {
	resolved, ok := s.tables[tableName]
	if !ok {
		return nil, &rows.Error{
			Code:    rows.CodeUnknownTable,
			Message: "Could not find the table 'public." + tableName + "' in the schema cache",
		}
	}
	return resolved, nil
}

// Select returns the rows matching the query.
func (s *Service) Select(ctx context.Context, tableName string, query rows.Query) ([]json.RawMessage, error) {
	resolved, err := s.lookup(tableName)
	if err != nil {
		return nil, err
	}
	definition := resolved.schema()
	if err := definition.validateColumns(query.Columns); err != nil {
		return nil, err
	}

	preloads := make([]string, 0, len(query.Embeds))
	for _, embed := range query.Embeds {
		related, ok := definition.embeds[embed.Name]
		if !ok {
			return nil, &rows.Error{
				Code:    rows.CodeUnknownEmbed,
				Message: "Could not find a relationship between '" + tableName + "' and '" + embed.Name + "' in the schema cache",
			}
		}
		if err := s.tables[related.table].schema().validateColumns(embed.Columns); err != nil {
			return nil, err
		}
		preloads = append(preloads, related.association)
	}

	tx, err := definition.applyFilters(s.db.WithContext(ctx).Model(resolved.model()), query.Filters)
	if err != nil {
		return nil, err
	}
	for _, order := range query.Order {
		if err := definition.validateColumns([]string{order.Column}); err != nil {
			return nil, err
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: order.Column}, Desc: order.Descending})
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	found, err := resolved.find(tx, preloads)
	if err != nil {
		s.logError(opSelect, "query_failed", err, zap.String("table", tableName))
		return nil, newServiceError(opSelect, "query_failed", err)
	}

	if query.Single && len(found) != 1 {
		return nil, &rows.Error{
			Code:    rows.CodeNoRows,
			Message: "JSON object requested, multiple (or no) rows returned",
			Details: fmt.Sprintf("The result contains %d rows", len(found)),
		}
	}

	projected := make([]json.RawMessage, 0, len(found))
	for _, row := range found {
		trimmed, err := project(row, query.Columns, query.Embeds)
		if err != nil {
			s.logError(opSelect, "projection_failed", err, zap.String("table", tableName))
			return nil, newServiceError(opSelect, "projection_failed", err)
		}
		projected = append(projected, trimmed)
	}
	return projected, nil
}

// Insert creates rows. With options.Upsert an existing row with the same
// primary key has the provided non-key columns merged into it.
func (s *Service) Insert(ctx context.Context, tableName string, records []json.RawMessage, options rows.InsertOptions) ([]json.RawMessage, error) {
	resolved, err := s.lookup(tableName)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, rows.NewError(rows.CodeInvalidBody, "insert requires at least one record")
	}

	var inserted []json.RawMessage
	var events []rows.ChangeEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted = make([]json.RawMessage, 0, len(records))
		events = events[:0]
		for _, record := range records {
			stored, event, err := s.insertRecord(tx, resolved, record, options)
			if err != nil {
				return err
			}
			inserted = append(inserted, stored)
			if event != nil {
				events = append(events, *event)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publish(events)
	return inserted, nil
}

func (s *Service) insertRecord(tx *gorm.DB, resolved table, record json.RawMessage, options rows.InsertOptions) (json.RawMessage, *rows.ChangeEvent, error) {
	definition := resolved.schema()
	fields, err := decodeObject(definition.name, record)
	if err != nil {
		return nil, nil, err
	}
	values, err := definition.convertFields(fields)
	if err != nil {
		return nil, nil, err
	}

	mutable := make([]string, 0, len(values))
	for column := range values {
		if !definition.isPrimaryKey(column) {
			mutable = append(mutable, column)
		}
	}

	now := s.clock().UTC()
	if definition.generatedID != "" {
		if _, ok := values[definition.generatedID]; !ok {
			id, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opInsert, "id_generation_failed", err, zap.String("table", definition.name))
				return nil, nil, newServiceError(opInsert, "id_generation_failed", err)
			}
			values[definition.generatedID] = id
		}
	}
	for _, column := range definition.timestamps {
		if _, ok := values[column]; !ok {
			values[column] = now
		}
	}
	if err := definition.checkRequired(values); err != nil {
		return nil, nil, err
	}
	if err := s.checkReferences(tx, definition, values); err != nil {
		return nil, nil, err
	}

	existing, err := resolved.find(definition.whereKey(tx.Model(resolved.model()), values), nil)
	if err != nil {
		s.logError(opInsert, "key_lookup_failed", err, zap.String("table", definition.name))
		return nil, nil, newServiceError(opInsert, "key_lookup_failed", err)
	}

	var conflict *clause.OnConflict
	if len(existing) > 0 {
		if !options.Upsert {
			return nil, nil, &rows.Error{
				Code:    rows.CodeUniqueViolation,
				Message: "duplicate key value violates unique constraint \"" + definition.name + "_pkey\"",
				Details: "Key (" + strings.Join(definition.primaryKey, ", ") + ") already exists.",
			}
		}
		if len(mutable) == 0 {
			return existing[0], nil, nil
		}
		keyColumns := make([]clause.Column, 0, len(definition.primaryKey))
		for _, column := range definition.primaryKey {
			keyColumns = append(keyColumns, clause.Column{Name: column})
		}
		conflict = &clause.OnConflict{Columns: keyColumns, DoUpdates: clause.AssignmentColumns(mutable)}
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return nil, nil, newServiceError(opInsert, "encode_failed", err)
	}
	if err := resolved.create(tx, payload, conflict); err != nil {
		if rows.ErrorCode(err) != "" {
			return nil, nil, err
		}
		s.logError(opInsert, "create_failed", err, zap.String("table", definition.name))
		return nil, nil, newServiceError(opInsert, "create_failed", err)
	}

	stored, err := resolved.find(definition.whereKey(tx.Model(resolved.model()), values), nil)
	if err != nil || len(stored) != 1 {
		if err == nil {
			err = fmt.Errorf("expected one stored row, found %d", len(stored))
		}
		s.logError(opInsert, "refetch_failed", err, zap.String("table", definition.name))
		return nil, nil, newServiceError(opInsert, "refetch_failed", err)
	}

	event := &rows.ChangeEvent{Type: rows.EventInsert, Table: definition.name, New: stored[0], CommitTimestamp: now}
	if len(existing) > 0 {
		event.Type = rows.EventUpdate
		event.Old = existing[0]
	}
	return stored[0], event, nil
}

func (s *Service) checkReferences(tx *gorm.DB, definition *schema, values map[string]any) error {
	for column, referenced := range definition.references {
		value, ok := values[column]
		if !ok {
			continue
		}
		var count int64
		if err := tx.Table(referenced).Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: value}).Count(&count).Error; err != nil {
			s.logError("datastore.reference_check", "query_failed", err, zap.String("table", definition.name), zap.String("column", column))
			return newServiceError("datastore.reference_check", "query_failed", err)
		}
		if count == 0 {
			return &rows.Error{
				Code:    rows.CodeForeignKey,
				Message: "insert or update on table \"" + definition.name + "\" violates foreign key constraint \"" + definition.name + "_" + column + "_fkey\"",
				Details: fmt.Sprintf("Key (%s)=(%v) is not present in table \"%s\".", column, value, referenced),
			}
		}
	}
	return nil
}

// Update applies values to every row matching the filters.
func (s *Service) Update(ctx context.Context, tableName string, filters []rows.Filter, values json.RawMessage) ([]json.RawMessage, error) {
	resolved, err := s.lookup(tableName)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, rows.NewError(rows.CodeInvalidQuery, "update requires at least one filter")
	}
	definition := resolved.schema()
	fields, err := decodeObject(tableName, values)
	if err != nil {
		return nil, err
	}
	changes, err := definition.convertFields(fields)
	if err != nil {
		return nil, err
	}
	for column := range changes {
		if definition.isPrimaryKey(column) {
			return nil, rows.NewError(rows.CodeInvalidBody, "primary key column %q of %s is immutable", column, tableName)
		}
	}

	var updated []json.RawMessage
	var events []rows.ChangeEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped, err := definition.applyFilters(tx.Model(resolved.model()), filters)
		if err != nil {
			return err
		}
		previous, err := resolved.find(scoped, nil)
		if err != nil {
			s.logError(opUpdate, "query_failed", err, zap.String("table", tableName))
			return newServiceError(opUpdate, "query_failed", err)
		}
		if len(previous) == 0 || len(changes) == 0 {
			updated = previous
			return nil
		}
		if err := s.checkReferences(tx, definition, changes); err != nil {
			return err
		}

		now := s.clock().UTC()
		updated = make([]json.RawMessage, 0, len(previous))
		events = make([]rows.ChangeEvent, 0, len(previous))
		for _, old := range previous {
			key, err := definition.keyOf(old)
			if err != nil {
				return newServiceError(opUpdate, "decode_failed", err)
			}
			if err := definition.whereKey(tx.Model(resolved.model()), key).Updates(changes).Error; err != nil {
				s.logError(opUpdate, "update_failed", err, zap.String("table", tableName))
				return newServiceError(opUpdate, "update_failed", err)
			}
			current, err := resolved.find(definition.whereKey(tx.Model(resolved.model()), key), nil)
			if err != nil || len(current) != 1 {
				if err == nil {
					err = fmt.Errorf("expected one updated row, found %d", len(current))
				}
				s.logError(opUpdate, "refetch_failed", err, zap.String("table", tableName))
				return newServiceError(opUpdate, "refetch_failed", err)
			}
			updated = append(updated, current[0])
			events = append(events, rows.ChangeEvent{Type: rows.EventUpdate, Table: tableName, New: current[0], Old: old, CommitTimestamp: now})
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publish(events)
	return updated, nil
}

// Delete removes every row matching the filters.
func (s *Service) Delete(ctx context.Context, tableName string, filters []rows.Filter) ([]json.RawMessage, error) {
	resolved, err := s.lookup(tableName)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, rows.NewError(rows.CodeInvalidQuery, "delete requires at least one filter")
	}
	definition := resolved.schema()

	var removed []json.RawMessage
	var events []rows.ChangeEvent
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped, err := definition.applyFilters(tx.Model(resolved.model()), filters)
		if err != nil {
			return err
		}
		removed, err = resolved.find(scoped, nil)
		if err != nil {
			s.logError(opDelete, "query_failed", err, zap.String("table", tableName))
			return newServiceError(opDelete, "query_failed", err)
		}
		if len(removed) == 0 {
			return nil
		}
		deleting, err := definition.applyFilters(tx, filters)
		if err != nil {
			return err
		}
		if err := deleting.Delete(resolved.model()).Error; err != nil {
			s.logError(opDelete, "delete_failed", err, zap.String("table", tableName))
			return newServiceError(opDelete, "delete_failed", err)
		}
		now := s.clock().UTC()
		events = make([]rows.ChangeEvent, 0, len(removed))
		for _, old := range removed {
			events = append(events, rows.ChangeEvent{Type: rows.EventDelete, Table: tableName, Old: old, CommitTimestamp: now})
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publish(events)
	return removed, nil
}

func (s *Service) publish(events []rows.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	for _, event := range events {
		s.publisher.Publish(event)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("datastore service error", attrs...)
}
