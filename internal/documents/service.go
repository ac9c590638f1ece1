package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
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
	opServiceNew    = "documents.service.new"
	opLoadDocument  = "documents.load_document"
	opGetDocument   = "documents.get_document"
	opPersist       = "documents.persist"
	opPrune         = "documents.prune"
	opListRevisions = "documents.list_revisions"

	queryDocumentID      = "id = ?"
	queryRevisionOfDoc   = "document_id = ?"
	orderRevisionsOldest = "created_at ASC, id ASC"
	orderRevisionsNewest = "created_at DESC, id DESC"

	reasonMissingDatabase      = "missing_database"
	reasonNotFound             = "not_found"
	reasonQueryFailed          = "query_failed"
	reasonSeedFailed           = "seed_failed"
	reasonDocumentSelectFailed = "document_select_failed"
	reasonDocumentSaveFailed   = "document_save_failed"
	reasonRevisionInsertFailed = "revision_insert_failed"
	reasonCountFailed          = "count_failed"
	reasonDeleteFailed         = "delete_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	Logger           *zap.Logger
	RetentionCap     int
	DefaultListLimit int
}

// Service is the durable store for the shared document and its revision history.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	retentionCap int
	listLimit    int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	retentionCap := cfg.RetentionCap
	if retentionCap <= 0 {
		retentionCap = DefaultRetention
	}

	listLimit := cfg.DefaultListLimit
	if listLimit <= 0 {
		listLimit = DefaultListLimit
	}

	return &Service{
		db:           cfg.Database,
		clock:        clock,
		logger:       logger,
		retentionCap: retentionCap,
		listLimit:    listLimit,
	}, nil
}

// LoadDocument returns the shared document, seeding it when storage is empty.
func (s *Service) LoadDocument(ctx context.Context) (Document, error) {
	if s.db == nil {
		s.logError(opLoadDocument, reasonMissingDatabase, errMissingDatabase)
		return Document{}, newServiceError(opLoadDocument, reasonMissingDatabase, errMissingDatabase)
	}

	var document Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(queryDocumentID, MainDocumentID).Take(&document).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opLoadDocument, reasonQueryFailed, err)
			return newServiceError(opLoadDocument, reasonQueryFailed, err)
		}

		document = Document{
			ID:        MainDocumentID,
			Content:   SeedContent,
			UpdatedAt: s.clock().UTC(),
		}
		if err := tx.Create(&document).Error; err != nil {
			s.logError(opLoadDocument, reasonSeedFailed, err)
			return newServiceError(opLoadDocument, reasonSeedFailed, err)
		}
		s.loggerOrDefault().Info("seeded shared document", zap.String("document_id", MainDocumentID))
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}

	return document, nil
}

// GetDocument returns the stored shared document without seeding it.
func (s *Service) GetDocument(ctx context.Context) (Document, error) {
	if s.db == nil {
		s.logError(opGetDocument, reasonMissingDatabase, errMissingDatabase)
		return Document{}, newServiceError(opGetDocument, reasonMissingDatabase, errMissingDatabase)
	}

	var document Document
	err := s.db.WithContext(ctx).Where(queryDocumentID, MainDocumentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opGetDocument, reasonNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGetDocument, reasonQueryFailed, err)
		return Document{}, newServiceError(opGetDocument, reasonQueryFailed, err)
	}
	return document, nil
}

// Persist records content as the durable document state.
// Content identical to the stored document is a no-op. Otherwise a revision is appended,
// the document row is updated in the same transaction and history is pruned to the retention cap.
func (s *Service) Persist(ctx context.Context, content string, editor UserID) (PersistOutcome, error) {
	if s.db == nil {
		s.logError(opPersist, reasonMissingDatabase, errMissingDatabase)
		return PersistOutcome{}, newServiceError(opPersist, reasonMissingDatabase, errMissingDatabase)
	}

	outcome := PersistOutcome{}
	appliedAt := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, MainDocumentID).
			Take(&document).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !missing {
			s.logError(opPersist, reasonDocumentSelectFailed, err, zap.String("user_id", editor.String()))
			return newServiceError(opPersist, reasonDocumentSelectFailed, err)
		}
		if !missing && document.Content == content {
			return nil
		}

		document.ID = MainDocumentID
		document.Content = content
		document.UpdatedAt = appliedAt
		document.LastEditedBy = editor.nullable()

		var saveErr error
		if missing {
			saveErr = tx.Create(&document).Error
		} else {
			saveErr = tx.Save(&document).Error
		}
		if err := saveErr; err != nil {
			s.logError(opPersist, reasonDocumentSaveFailed, err, zap.String("user_id", editor.String()))
			return newServiceError(opPersist, reasonDocumentSaveFailed, err)
		}

		revision := Revision{
			DocumentID: MainDocumentID,
			Content:    content,
			CreatedAt:  appliedAt,
			EditedBy:   editor.nullable(),
		}
		if err := tx.Create(&revision).Error; err != nil {
			s.logError(opPersist, reasonRevisionInsertFailed, err, zap.String("user_id", editor.String()))
			return newServiceError(opPersist, reasonRevisionInsertFailed, err)
		}

		outcome.Changed = true
		outcome.RevisionID = revision.ID
		return nil
	})
	if txErr != nil {
		return PersistOutcome{}, txErr
	}
	if !outcome.Changed {
		return outcome, nil
	}

	// The edit is already committed; a failed prune only leaves extra history behind.
	pruned, err := s.prune(ctx)
	if err == nil {
		outcome.Pruned = pruned
	}
	return outcome, nil
}

func (s *Service) prune(ctx context.Context) (int64, error) {
	var pruned int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Revision{}).Where(queryRevisionOfDoc, MainDocumentID).Count(&count).Error; err != nil {
			s.logError(opPrune, reasonCountFailed, err)
			return newServiceError(opPrune, reasonCountFailed, err)
		}
		excess := count - int64(s.retentionCap)
		if excess <= 0 {
			return nil
		}

		var staleIDs []int64
		if err := tx.Model(&Revision{}).
			Where(queryRevisionOfDoc, MainDocumentID).
			Order(orderRevisionsOldest).
			Limit(int(excess)).
			Pluck("id", &staleIDs).Error; err != nil {
			s.logError(opPrune, reasonQueryFailed, err)
			return newServiceError(opPrune, reasonQueryFailed, err)
		}

		result := tx.Where("id IN ?", staleIDs).Delete(&Revision{})
		if result.Error != nil {
			s.logError(opPrune, reasonDeleteFailed, result.Error)
			return newServiceError(opPrune, reasonDeleteFailed, result.Error)
		}
		pruned = result.RowsAffected
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	if pruned > 0 {
		s.loggerOrDefault().Debug("pruned revisions", zap.Int64("pruned", pruned), zap.Int("retention", s.retentionCap))
	}
	return pruned, nil
}

// ListRevisions returns up to limit revisions, newest first.
func (s *Service) ListRevisions(ctx context.Context, limit int) ([]Revision, error) {
	if s.db == nil {
		s.logError(opListRevisions, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListRevisions, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		limit = s.listLimit
	}
	if limit > s.retentionCap {
		limit = s.retentionCap
	}

	var revisions []Revision
	if err := s.db.WithContext(ctx).
		Where(queryRevisionOfDoc, MainDocumentID).
		Order(orderRevisionsNewest).
		Limit(limit).
		Find(&revisions).Error; err != nil {
		s.logError(opListRevisions, reasonQueryFailed, err, zap.Int("limit", limit))
		return nil, newServiceError(opListRevisions, reasonQueryFailed, err)
	}
	return revisions, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
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
	s.loggerOrDefault().Error("documents service error", attrs...)
}
