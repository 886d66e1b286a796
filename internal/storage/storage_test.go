package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"photoprep/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStorage(t *testing.T) {
	store := newTestStorage(t)
	if store.db == nil {
		t.Error("db should not be nil")
	}
}

func TestNewStorage_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewStorage(dbPath)
	if err != nil {
		t.Fatalf("NewStorage failed to create directories: %v", err)
	}
	defer store.Close()
}

func TestSaveRecords_AndListRecords(t *testing.T) {
	store := newTestStorage(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []*models.Record{
		{
			SourcePath:       "/photos/a.jpg",
			OutputPath:       "/out/a_compressed.jpeg",
			Format:           "jpeg",
			SourceWidth:      4000,
			SourceHeight:     3000,
			Width:            2048,
			Height:           1536,
			OriginalSize:     5_000_000,
			OutputSize:       400_000,
			CompressionRatio: 92,
			HadExif:          true,
			StripStatus:      "stripped",
			Fingerprint:      0xF0F0F0F0F0F0F0F0,
			ProcessedAt:      base,
		},
		{
			SourcePath:   "/photos/broken.png",
			OutputPath:   "/out/broken.png",
			Format:       "png",
			OriginalSize: 1000,
			OutputSize:   1000,
			Fallback:     true,
			Error:        "decode failed",
			ProcessedAt:  base.Add(time.Minute),
		},
	}

	if err := store.SaveRecords(records); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}
	if records[0].ID == 0 || records[1].ID == 0 {
		t.Error("SaveRecords should fill in IDs")
	}

	got, err := store.ListRecords(0, 0)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}

	// Newest first
	if got[0].SourcePath != "/photos/broken.png" {
		t.Errorf("first record = %s, want newest", got[0].SourcePath)
	}
	if !got[0].Fallback || got[0].Error != "decode failed" {
		t.Error("fallback fields not preserved")
	}

	a := got[1]
	if a.Width != 2048 || a.Height != 1536 || a.SourceWidth != 4000 {
		t.Errorf("dimensions not preserved: %+v", a)
	}
	if !a.HadExif || a.StripStatus != "stripped" {
		t.Error("metadata fields not preserved")
	}
	if a.Fingerprint != 0xF0F0F0F0F0F0F0F0 {
		t.Errorf("fingerprint = %x, high bit lost", a.Fingerprint)
	}
	if !a.ProcessedAt.Equal(base) {
		t.Errorf("ProcessedAt = %v, want %v", a.ProcessedAt, base)
	}
}

func TestListRecords_Pagination(t *testing.T) {
	store := newTestStorage(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var records []*models.Record
	for i := 0; i < 5; i++ {
		records = append(records, &models.Record{
			SourcePath:   filepath.Join("/photos", string(rune('a'+i))+".jpg"),
			OriginalSize: 100,
			OutputSize:   50,
			ProcessedAt:  base.Add(time.Duration(i) * time.Hour),
		})
	}
	if err := store.SaveRecords(records); err != nil {
		t.Fatal(err)
	}

	page, err := store.ListRecords(2, 1)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d records, want 2", len(page))
	}
	if page[0].SourcePath != "/photos/d.jpg" || page[1].SourcePath != "/photos/c.jpg" {
		t.Errorf("page = %s, %s", page[0].SourcePath, page[1].SourcePath)
	}
}

func TestGetRecord(t *testing.T) {
	store := newTestStorage(t)

	rec := &models.Record{SourcePath: "/photos/x.jpg", OriginalSize: 10, OutputSize: 5}
	if err := store.SaveRecords([]*models.Record{rec}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.SourcePath != "/photos/x.jpg" {
		t.Errorf("SourcePath = %s", got.SourcePath)
	}

	if _, err := store.GetRecord(9999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing record err = %v, want sql.ErrNoRows", err)
	}
}

func TestFindSimilar(t *testing.T) {
	store := newTestStorage(t)

	records := []*models.Record{
		{SourcePath: "/same.jpg", Fingerprint: 0xFF00},
		{SourcePath: "/close.jpg", Fingerprint: 0xFF03}, // 2 bits away
		{SourcePath: "/far.jpg", Fingerprint: 0x00FF},
		{SourcePath: "/none.jpg"},
	}
	if err := store.SaveRecords(records); err != nil {
		t.Fatal(err)
	}

	similar, err := store.FindSimilar(0xFF00, 2)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(similar) != 2 {
		t.Fatalf("got %d similar records, want 2", len(similar))
	}
	if similar[0].SourcePath != "/same.jpg" || similar[1].SourcePath != "/close.jpg" {
		t.Errorf("similar = %s, %s", similar[0].SourcePath, similar[1].SourcePath)
	}
}

func TestDeleteRecord(t *testing.T) {
	store := newTestStorage(t)

	records := []*models.Record{
		{SourcePath: "/keep.jpg"},
		{SourcePath: "/delete.jpg"},
	}
	if err := store.SaveRecords(records); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRecord(records[1].ID); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}

	remaining, _ := store.ListRecords(0, 0)
	if len(remaining) != 1 || remaining[0].SourcePath != "/keep.jpg" {
		t.Errorf("unexpected remaining records: %v", remaining)
	}
}

func TestSummary(t *testing.T) {
	store := newTestStorage(t)

	empty, err := store.Summary()
	if err != nil {
		t.Fatalf("Summary on empty store failed: %v", err)
	}
	if empty.TotalFiles != 0 || empty.SavedRatio != 0 {
		t.Errorf("empty summary = %+v", empty)
	}

	records := []*models.Record{
		{SourcePath: "/a.jpg", OriginalSize: 1000, OutputSize: 200},
		{SourcePath: "/b.jpg", OriginalSize: 1000, OutputSize: 1000, Fallback: true},
	}
	if err := store.SaveRecords(records); err != nil {
		t.Fatal(err)
	}

	sum, err := store.Summary()
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.TotalFiles != 2 || sum.Fallbacks != 1 {
		t.Errorf("counts = %d/%d, want 2/1", sum.TotalFiles, sum.Fallbacks)
	}
	if sum.OriginalBytes != 2000 || sum.OutputBytes != 1200 {
		t.Errorf("bytes = %d/%d", sum.OriginalBytes, sum.OutputBytes)
	}
	if sum.SavedRatio != 40 {
		t.Errorf("SavedRatio = %v, want 40", sum.SavedRatio)
	}
}

func TestRecordBatch(t *testing.T) {
	store := newTestStorage(t)

	if err := store.RecordBatch("/photos", 10, 8, 2, 123456); err != nil {
		t.Fatalf("RecordBatch failed: %v", err)
	}

	var count int
	var saved int64
	err := store.db.QueryRow("SELECT COUNT(*), SUM(bytes_saved) FROM batch_history").Scan(&count, &saved)
	if err != nil {
		t.Fatalf("failed to query batch_history: %v", err)
	}
	if count != 1 || saved != 123456 {
		t.Errorf("batch_history = %d rows, %d saved", count, saved)
	}
}

func TestMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewStorage(dbPath)
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}

	// Check schema version
	version := store.getSchemaVersion()
	if version != schemaVersion {
		t.Errorf("schema version = %d, want %d", version, schemaVersion)
	}

	if !store.columnExists("records", "fingerprint") {
		t.Error("fingerprint column should exist after migrations")
	}

	store.Close()

	// Reopen - should not fail
	store2, err := NewStorage(dbPath)
	if err != nil {
		t.Fatalf("second NewStorage failed: %v", err)
	}
	defer store2.Close()

	version2 := store2.getSchemaVersion()
	if version2 != schemaVersion {
		t.Errorf("schema version after reopen = %d, want %d", version2, schemaVersion)
	}
}
