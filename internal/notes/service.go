// Package notes keeps a live notes list and edits single notes with debounced
// auto-save and presence.
package notes

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingRows       = errors.New("rows service is required")
	errMissingFeed       = errors.New("change feed is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable code alongside the failure.
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

// Code returns the "<operation>.<reason>" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opListNew        = "notes.list.new"
	opListLoad       = "notes.list.load"
	opListListen     = "notes.list.listen"
	opEditorNew      = "notes.editor.new"
	opEditorOpen     = "notes.editor.open"
	opEditorCreate   = "notes.editor.create"
	opEditorSave     = "notes.editor.save"
	opPresenceEnter  = "notes.presence.enter"
	opPresenceLeave  = "notes.presence.leave"
	opPresenceFetch  = "notes.presence.fetch"
	opPresenceListen = "notes.presence.listen"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	logger.Error("notes operation failed", allFields...)
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
