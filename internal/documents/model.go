package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MainDocumentID identifies the single shared document.
	MainDocumentID = "main"
	// SeedContent is stored when the shared document does not exist yet.
	SeedContent = "# Welcome to the Collaborative Editor\n\nStart typing to collaborate in real-time!"
	// DefaultRetention caps the number of stored revisions.
	DefaultRetention = 50
	// DefaultListLimit is used when a revision listing does not specify a limit.
	DefaultListLimit = 10
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrDocumentNotFound indicates that the shared document row is absent.
	ErrDocumentNotFound = errors.New("documents: document not found")
)

// UserID represents a validated editor identifier.
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

func (id UserID) nullable() *string {
	if id == "" {
		return nil
	}
	value := id.String()
	return &value
}

// Document is the durable copy of the shared document.
type Document struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null"`
	Content      string    `gorm:"column:content;type:text;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	LastEditedBy *string   `gorm:"column:last_edited_by;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Revision is an immutable full-content snapshot recorded for an accepted edit.
type Revision struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID string    `gorm:"column:document_id;size:64;not null;index:idx_revisions_document_created,priority:1"`
	Content    string    `gorm:"column:content;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_revisions_document_created,priority:2"`
	EditedBy   *string   `gorm:"column:edited_by;size:190"`
	Document   *Document `gorm:"foreignKey:DocumentID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "revisions"
}

// PersistOutcome describes what a Persist call changed in storage.
type PersistOutcome struct {
	Changed    bool
	RevisionID int64
	Pruned     int64
}
