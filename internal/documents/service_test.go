package documents

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestLoadDocumentSeedsMissingDocument(t *testing.T) {
	service, db := newTestService(t, 0)

	document, err := service.LoadDocument(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if document.ID != MainDocumentID {
		t.Fatalf("expected id %s, got %s", MainDocumentID, document.ID)
	}
	if document.Content != SeedContent {
		t.Fatalf("expected seed content, got %q", document.Content)
	}
	if document.LastEditedBy != nil {
		t.Fatalf("expected no editor on seeded document, got %q", *document.LastEditedBy)
	}

	again, err := service.LoadDocument(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on second load: %v", err)
	}
	if again.Content != SeedContent {
		t.Fatalf("expected seeded content on reload, got %q", again.Content)
	}

	var count int64
	if err := db.Model(&Document{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count documents: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one document row, got %d", count)
	}
}

func TestGetDocumentReportsNotFound(t *testing.T) {
	service, _ := newTestService(t, 0)

	_, err := service.GetDocument(context.Background())
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != "documents.get_document.not_found" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestPersistAppendsRevisionForChangedContent(t *testing.T) {
	service, db := newTestService(t, 0)
	mustLoad(t, service)

	outcome, err := service.Persist(context.Background(), "hello", mustUserID(t, "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Changed {
		t.Fatalf("expected content change to be recorded")
	}
	if outcome.RevisionID == 0 {
		t.Fatalf("expected revision id to be assigned")
	}

	var stored Document
	if err := db.Where("id = ?", MainDocumentID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if stored.Content != "hello" {
		t.Fatalf("expected stored content hello, got %q", stored.Content)
	}
	if stored.LastEditedBy == nil || *stored.LastEditedBy != "alice" {
		t.Fatalf("expected last editor alice, got %v", stored.LastEditedBy)
	}

	var revisions []Revision
	if err := db.Find(&revisions).Error; err != nil {
		t.Fatalf("failed to load revisions: %v", err)
	}
	if len(revisions) != 1 {
		t.Fatalf("expected one revision, got %d", len(revisions))
	}
	if revisions[0].Content != "hello" || revisions[0].EditedBy == nil || *revisions[0].EditedBy != "alice" {
		t.Fatalf("unexpected revision %#v", revisions[0])
	}
	if revisions[0].DocumentID != MainDocumentID {
		t.Fatalf("unexpected revision document id %s", revisions[0].DocumentID)
	}
}

func TestPersistSkipsIdenticalContent(t *testing.T) {
	service, db := newTestService(t, 0)
	seeded := mustLoad(t, service)

	outcome, err := service.Persist(context.Background(), SeedContent, mustUserID(t, "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Changed {
		t.Fatalf("expected identical content to be a no-op")
	}

	var revisionCount int64
	if err := db.Model(&Revision{}).Count(&revisionCount).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if revisionCount != 0 {
		t.Fatalf("expected no revisions, got %d", revisionCount)
	}

	var stored Document
	if err := db.Where("id = ?", MainDocumentID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if !stored.UpdatedAt.Equal(seeded.UpdatedAt) {
		t.Fatalf("expected updated_at to stay %s, got %s", seeded.UpdatedAt, stored.UpdatedAt)
	}
	if stored.LastEditedBy != nil {
		t.Fatalf("expected editor to remain empty, got %q", *stored.LastEditedBy)
	}
}

func TestPersistCreatesMissingDocument(t *testing.T) {
	service, db := newTestService(t, 0)

	outcome, err := service.Persist(context.Background(), "fresh", mustUserID(t, "bob"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Changed {
		t.Fatalf("expected change to be recorded")
	}

	var stored Document
	if err := db.Where("id = ?", MainDocumentID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if stored.Content != "fresh" {
		t.Fatalf("unexpected content %q", stored.Content)
	}
}

func TestPersistPrunesOldestRevisions(t *testing.T) {
	const retention = 5
	service, db := newTestService(t, retention)
	mustLoad(t, service)
	editor := mustUserID(t, "alice")

	for index := 1; index <= retention; index++ {
		outcome, err := service.Persist(context.Background(), fmt.Sprintf("content-%d", index), editor)
		if err != nil {
			t.Fatalf("persist %d failed: %v", index, err)
		}
		if outcome.Pruned != 0 {
			t.Fatalf("expected no pruning below the cap, got %d", outcome.Pruned)
		}
	}

	for index := retention + 1; index <= retention+3; index++ {
		outcome, err := service.Persist(context.Background(), fmt.Sprintf("content-%d", index), editor)
		if err != nil {
			t.Fatalf("persist %d failed: %v", index, err)
		}
		if outcome.Pruned != 1 {
			t.Fatalf("expected exactly one pruned revision, got %d", outcome.Pruned)
		}
	}

	var revisions []Revision
	if err := db.Order("created_at ASC, id ASC").Find(&revisions).Error; err != nil {
		t.Fatalf("failed to load revisions: %v", err)
	}
	if len(revisions) != retention {
		t.Fatalf("expected %d revisions, got %d", retention, len(revisions))
	}
	for offset, revision := range revisions {
		expected := fmt.Sprintf("content-%d", offset+4)
		if revision.Content != expected {
			t.Fatalf("expected %s at position %d, got %s", expected, offset, revision.Content)
		}
	}
}

func TestPersistPrunesSeveralRowsWhenCapIsLowered(t *testing.T) {
	service, db := newTestService(t, 20)
	mustLoad(t, service)
	editor := mustUserID(t, "alice")

	for index := 1; index <= 12; index++ {
		if _, err := service.Persist(context.Background(), fmt.Sprintf("content-%d", index), editor); err != nil {
			t.Fatalf("persist %d failed: %v", index, err)
		}
	}

	const loweredCap = 4
	var tick atomic.Int64
	restarted, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1800000000+tick.Add(1), 0).UTC()
		},
		RetentionCap: loweredCap,
	})
	if err != nil {
		t.Fatalf("failed to reopen service: %v", err)
	}

	outcome, err := restarted.Persist(context.Background(), "content-13", editor)
	if err != nil {
		t.Fatalf("persist after lowering the cap failed: %v", err)
	}
	if outcome.Pruned != 13-loweredCap {
		t.Fatalf("expected %d pruned revisions, got %d", 13-loweredCap, outcome.Pruned)
	}

	var remaining []Revision
	if err := db.Order("created_at ASC, id ASC").Find(&remaining).Error; err != nil {
		t.Fatalf("failed to load revisions: %v", err)
	}
	expected := []string{"content-10", "content-11", "content-12", "content-13"}
	if len(remaining) != len(expected) {
		t.Fatalf("expected %d revisions, got %d", len(expected), len(remaining))
	}
	for index, revision := range remaining {
		if revision.Content != expected[index] {
			t.Fatalf("expected %s at position %d, got %s", expected[index], index, revision.Content)
		}
	}
}

func TestPersistKeepsDefaultRetentionCap(t *testing.T) {
	service, db := newTestService(t, 0)
	mustLoad(t, service)
	editor := mustUserID(t, "alice")

	for index := 0; index < DefaultRetention+2; index++ {
		if _, err := service.Persist(context.Background(), fmt.Sprintf("edit-%d", index), editor); err != nil {
			t.Fatalf("persist %d failed: %v", index, err)
		}
	}

	var count int64
	if err := db.Model(&Revision{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if count != DefaultRetention {
		t.Fatalf("expected %d revisions, got %d", DefaultRetention, count)
	}
}

func TestListRevisionsReturnsNewestFirst(t *testing.T) {
	service, _ := newTestService(t, 0)
	mustLoad(t, service)
	editor := mustUserID(t, "alice")

	for index := 0; index < 12; index++ {
		if _, err := service.Persist(context.Background(), fmt.Sprintf("edit-%d", index), editor); err != nil {
			t.Fatalf("persist %d failed: %v", index, err)
		}
	}

	testCases := []struct {
		name      string
		limit     int
		wantCount int
	}{
		{name: "default-limit", limit: 0, wantCount: DefaultListLimit},
		{name: "explicit-limit", limit: 3, wantCount: 3},
		{name: "limit-above-history", limit: 40, wantCount: 12},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			revisions, err := service.ListRevisions(context.Background(), testCase.limit)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(revisions) != testCase.wantCount {
				t.Fatalf("expected %d revisions, got %d", testCase.wantCount, len(revisions))
			}
			if revisions[0].Content != "edit-11" {
				t.Fatalf("expected newest revision first, got %s", revisions[0].Content)
			}
			for index := 1; index < len(revisions); index++ {
				if revisions[index].CreatedAt.After(revisions[index-1].CreatedAt) {
					t.Fatalf("revisions out of order at %d", index)
				}
			}
		})
	}
}

func TestServiceReportsMissingDatabase(t *testing.T) {
	service := &Service{}

	_, err := service.Persist(context.Background(), "content", "alice")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "documents.persist.missing_database" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}

	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected constructor to reject missing database")
	}
}

func TestNewUserIDValidation(t *testing.T) {
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id error, got %v", err)
	}
	long := make([]byte, maxIdentifierLength+1)
	for index := range long {
		long[index] = 'a'
	}
	if _, err := NewUserID(string(long)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id error for long input, got %v", err)
	}
	id, err := NewUserID(" alice ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "alice" {
		t.Fatalf("expected trimmed identifier, got %q", id.String())
	}
}

func newTestService(t *testing.T, retention int) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:coedit_documents_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Document{}, &Revision{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	var tick atomic.Int64
	clock := func() time.Time {
		return time.Unix(1700000000+tick.Add(1), 0).UTC()
	}

	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        clock,
		RetentionCap: retention,
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}

	return service, db
}

func mustLoad(t *testing.T, service *Service) Document {
	t.Helper()
	document, err := service.LoadDocument(context.Background())
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	return document
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}
