package syncer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingLocalStore = errors.New("local store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProvider   = errors.New("identity provider is required")
	errMissingSync       = errors.New("progress and notes sync are required")

	// ErrUnknownSection indicates a section id absent from the table of contents.
	ErrUnknownSection = errors.New("unknown section")
	// ErrQueueClosed indicates a write enqueued after the queue was closed.
	ErrQueueClosed = errors.New("write queue closed")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code and the cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opProgressNew     = "syncer.progress.new"
	opProgressLoad    = "syncer.progress.load"
	opProgressMutate  = "syncer.progress.mutate"
	opProgressMigrate = "syncer.progress.migrate"
	opProgressPush    = "syncer.progress.push"
	opNotesNew        = "syncer.notes.new"
	opNotesLoad       = "syncer.notes.load"
	opNotesMutate     = "syncer.notes.mutate"
	opNotesMigrate    = "syncer.notes.migrate"
	opNotesPush       = "syncer.notes.push"
	opSessionNew      = "syncer.session.new"
	opSessionApply    = "syncer.session.apply"
	opQueueRun        = "syncer.queue.run"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("sync error", attrs...)
}
