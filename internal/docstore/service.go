package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

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
	opServiceNew    = "docstore.service.new"
	opFetchProgress = "docstore.fetch_progress"
	opWriteProgress = "docstore.write_progress"
	opListNotes     = "docstore.list_notes"
	opWriteNote     = "docstore.write_note"
	opDeleteNote    = "docstore.delete_note"
	opBatchNotes    = "docstore.batch_write_notes"
	opSubscribe     = "docstore.subscribe"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service stores per-user documents and notifies subscribers after writes.
type Service struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
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
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Dispatcher exposes the change fan-out used by the service.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// FetchProgress returns the stored progress snapshot, empty when the user
// has none.
func (s *Service) FetchProgress(ctx context.Context, userID identity.UserID) (progress.Snapshot, error) {
	if userID == "" {
		return nil, newServiceError(opFetchProgress, "missing_user_id", errMissingUserID)
	}
	var document ProgressDocument
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return progress.Snapshot{}, nil
	}
	if err != nil {
		s.logError(opFetchProgress, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opFetchProgress, "query_failed", err)
	}
	snapshot, err := progress.DecodeSnapshot([]byte(document.PayloadJSON))
	if err != nil {
		s.logError(opFetchProgress, "decode_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opFetchProgress, "decode_failed", err)
	}
	return snapshot, nil
}

// WriteProgress replaces the progress document of a user.
func (s *Service) WriteProgress(ctx context.Context, userID identity.UserID, snapshot progress.Snapshot) error {
	if userID == "" {
		return newServiceError(opWriteProgress, "missing_user_id", errMissingUserID)
	}
	payload, err := progress.EncodeSnapshot(snapshot)
	if err != nil {
		return newServiceError(opWriteProgress, "encode_failed", err)
	}

	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ProgressDocument
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			version = 1
		case err != nil:
			s.logError(opWriteProgress, "document_select_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opWriteProgress, "document_select_failed", err)
		default:
			version = existing.Version + 1
		}

		document := ProgressDocument{
			UserID:           userID.String(),
			PayloadJSON:      string(payload),
			SchemaVersion:    progress.CurrentSchemaVersion,
			Version:          version,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Save(&document).Error; err != nil {
			s.logError(opWriteProgress, "document_save_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opWriteProgress, "document_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	s.publish(userID, TopicProgress, version)
	return nil
}

// ListNotes returns every note of a user, newest first.
func (s *Service) ListNotes(ctx context.Context, userID identity.UserID) ([]notes.Note, error) {
	if userID == "" {
		return nil, newServiceError(opListNotes, "missing_user_id", errMissingUserID)
	}
	var documents []NoteDocument
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("updated_at_ns DESC").
		Order("note_id ASC").
		Find(&documents).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	list := make([]notes.Note, 0, len(documents))
	for _, document := range documents {
		list = append(list, document.toNote())
	}
	return list, nil
}

// WriteNote stores a note unless the stored copy was edited later.
func (s *Service) WriteNote(ctx context.Context, userID identity.UserID, note notes.Note) error {
	accepted, err := s.writeNotes(ctx, opWriteNote, userID, []notes.Note{note})
	if err != nil {
		return err
	}
	if accepted > 0 {
		s.publish(userID, TopicNotes, 0)
	}
	return nil
}

// BatchWriteNotes stores several notes in one transaction.
func (s *Service) BatchWriteNotes(ctx context.Context, userID identity.UserID, batch []notes.Note) error {
	if len(batch) > notes.MaxBatchSize {
		return newServiceError(opBatchNotes, "batch_too_large",
			fmt.Errorf("%d notes exceed the limit of %d", len(batch), notes.MaxBatchSize))
	}
	accepted, err := s.writeNotes(ctx, opBatchNotes, userID, batch)
	if err != nil {
		return err
	}
	if accepted > 0 {
		s.publish(userID, TopicNotes, 0)
	}
	return nil
}

func (s *Service) writeNotes(ctx context.Context, operation string, userID identity.UserID, batch []notes.Note) (int, error) {
	if userID == "" {
		return 0, newServiceError(operation, "missing_user_id", errMissingUserID)
	}
	for _, note := range batch {
		if err := note.Validate(); err != nil {
			return 0, newServiceError(operation, "invalid_note", err)
		}
	}

	accepted := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, note := range batch {
			var existing NoteDocument
			var existingPtr *NoteDocument
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND note_id = ?", userID.String(), note.ID.String()).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existingPtr = nil
			} else if err != nil {
				s.logError(operation, "note_select_failed", err,
					zap.String("user_id", userID.String()),
					zap.String("note_id", note.ID.String()))
				return newServiceError(operation, "note_select_failed", err)
			} else {
				existingPtr = &existing
			}

			updated, ok := resolveNoteWrite(existingPtr, userID.String(), note, s.clock().UTC())
			if !ok {
				s.logger.Debug("stale note write ignored",
					zap.String("user_id", userID.String()),
					zap.String("note_id", note.ID.String()))
				continue
			}
			if err := tx.Save(&updated).Error; err != nil {
				s.logError(operation, "note_save_failed", err,
					zap.String("user_id", userID.String()),
					zap.String("note_id", note.ID.String()))
				return newServiceError(operation, "note_save_failed", err)
			}
			accepted++
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return accepted, nil
}

// DeleteNote removes a note. Deleting a missing note is not an error.
func (s *Service) DeleteNote(ctx context.Context, userID identity.UserID, noteID notes.NoteID) error {
	if userID == "" {
		return newServiceError(opDeleteNote, "missing_user_id", errMissingUserID)
	}
	if _, err := notes.NewNoteID(noteID.String()); err != nil {
		return newServiceError(opDeleteNote, "invalid_note_id", err)
	}
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND note_id = ?", userID.String(), noteID.String()).
		Delete(&NoteDocument{})
	if result.Error != nil {
		s.logError(opDeleteNote, "delete_failed", result.Error,
			zap.String("user_id", userID.String()),
			zap.String("note_id", noteID.String()))
		return newServiceError(opDeleteNote, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.publish(userID, TopicNotes, 0)
	}
	return nil
}

// SubscribeProgress delivers the current snapshot and then a fresh one
// after every write, until ctx is done or cancel is called.
func (s *Service) SubscribeProgress(ctx context.Context, userID identity.UserID, onSnapshot func(progress.Snapshot)) (func(), error) {
	return subscribe(s, ctx, userID, TopicProgress, s.FetchProgress, onSnapshot)
}

// SubscribeNotes delivers the current note list and then a fresh one
// after every change.
func (s *Service) SubscribeNotes(ctx context.Context, userID identity.UserID, onNotes func([]notes.Note)) (func(), error) {
	return subscribe(s, ctx, userID, TopicNotes, s.ListNotes, onNotes)
}

func subscribe[T any](s *Service, ctx context.Context, userID identity.UserID, topic Topic, load func(context.Context, identity.UserID) (T, error), deliver func(T)) (func(), error) {
	if userID == "" {
		return nil, newServiceError(opSubscribe, "missing_user_id", errMissingUserID)
	}
	subCtx, cancel := context.WithCancel(ctx)
	stream, cleanup := s.dispatcher.Subscribe(subCtx, userID.String())
	initial, err := load(subCtx, userID)
	if err != nil {
		cancel()
		cleanup()
		return nil, err
	}

	go func() {
		deliver(initial)
		for {
			select {
			case <-subCtx.Done():
				return
			case message, ok := <-stream:
				if !ok {
					return
				}
				if message.Topic != topic {
					continue
				}
				current, err := load(subCtx, userID)
				if err != nil {
					if subCtx.Err() != nil {
						return
					}
					s.logError(opSubscribe, "reload_failed", err,
						zap.String("user_id", userID.String()),
						zap.String("topic", string(topic)))
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				deliver(current)
			}
		}
	}()

	return func() {
		cancel()
		cleanup()
	}, nil
}

func (s *Service) publish(userID identity.UserID, topic Topic, version int64) {
	s.dispatcher.Publish(ChangeMessage{
		UserID:    userID.String(),
		Topic:     topic,
		Version:   version,
		Timestamp: s.clock().UTC(),
	})
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
	s.logger.Error("docstore error", attrs...)
}
