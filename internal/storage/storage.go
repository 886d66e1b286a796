package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"photoprep/internal/models"
)

// Storage persists the history of processed files
type Storage struct {
	db     *sql.DB
	dbPath string
}

// NewStorage creates a new Storage
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The server writes from several goroutines; SQLite allows one writer
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Current schema version
const schemaVersion = 2

// migrations defines all schema migrations
// Each migration should be idempotent (safe to run multiple times)
var migrations = []struct {
	version     int
	description string
	up          string
}{
	{
		version:     1,
		description: "Initial schema",
		up:          "", // Handled by base schema creation
	},
	{
		version:     2,
		description: "Add fingerprint column for similarity lookup",
		up: `
			ALTER TABLE records ADD COLUMN fingerprint INTEGER DEFAULT 0;
			CREATE INDEX IF NOT EXISTS idx_records_fingerprint ON records(fingerprint);
		`,
	},
}

// init creates the database schema
func (s *Storage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_path TEXT NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT '',
		source_width INTEGER NOT NULL DEFAULT 0,
		source_height INTEGER NOT NULL DEFAULT 0,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		original_size INTEGER NOT NULL,
		output_size INTEGER NOT NULL,
		compression_ratio REAL NOT NULL,
		had_exif INTEGER DEFAULT 0,
		strip_status TEXT DEFAULT '',
		fallback INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		processed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_source_path ON records(source_path);
	CREATE INDEX IF NOT EXISTS idx_records_processed_at ON records(processed_at);

	CREATE TABLE IF NOT EXISTS batch_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder TEXT NOT NULL,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		total_files INTEGER NOT NULL,
		compressed INTEGER NOT NULL,
		fallbacks INTEGER NOT NULL,
		bytes_saved INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// migrate runs pending schema migrations
func (s *Storage) migrate() error {
	currentVersion := s.getSchemaVersion()

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if m.up == "" {
			s.setSchemaVersion(m.version)
			continue
		}

		// Check if migration is needed (column might already exist)
		if m.version == 2 && s.columnExists("records", "fingerprint") {
			s.setSchemaVersion(m.version)
			continue
		}

		if _, err := s.db.Exec(m.up); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}

		s.setSchemaVersion(m.version)
	}

	return nil
}

// getSchemaVersion returns the current schema version
func (s *Storage) getSchemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

// setSchemaVersion records a migration as applied
func (s *Storage) setSchemaVersion(version int) {
	s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
}

// columnExists checks if a column exists in a table
func (s *Storage) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// SaveRecords inserts records in one transaction and fills in their IDs
func (s *Storage) SaveRecords(records []*models.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO records (source_path, output_path, format, source_width, source_height, width, height,
			original_size, output_size, compression_ratio, had_exif, strip_status, fallback, error, fingerprint, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ProcessedAt.IsZero() {
			rec.ProcessedAt = time.Now().UTC()
		}
		res, err := stmt.Exec(
			rec.SourcePath,
			rec.OutputPath,
			rec.Format,
			rec.SourceWidth,
			rec.SourceHeight,
			rec.Width,
			rec.Height,
			rec.OriginalSize,
			rec.OutputSize,
			rec.CompressionRatio,
			boolToInt(rec.HadExif),
			rec.StripStatus,
			boolToInt(rec.Fallback),
			rec.Error,
			// Cast uint64 to int64 for SQLite compatibility
			int64(rec.Fingerprint),
			rec.ProcessedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.SourcePath, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			rec.ID = id
		}
	}

	return tx.Commit()
}

const timeLayout = "2006-01-02 15:04:05"

const recordColumns = `id, source_path, output_path, format, source_width, source_height, width, height,
	original_size, output_size, compression_ratio, had_exif, strip_status, fallback, error, fingerprint, processed_at`

// ListRecords returns records newest first. A limit of 0 returns all.
func (s *Storage) ListRecords(limit, offset int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+recordColumns+`
		FROM records
		ORDER BY processed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetRecord returns a single record by ID
func (s *Storage) GetRecord(id int64) (*models.Record, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, sql.ErrNoRows
	}
	return records[0], nil
}

// FindSimilar returns records whose fingerprint is within threshold bits of
// fingerprint. Records without a fingerprint are ignored.
func (s *Storage) FindSimilar(fingerprint uint64, threshold int) ([]*models.Record, error) {
	rows, err := s.db.Query(`
		SELECT ` + recordColumns + `
		FROM records
		WHERE fingerprint != 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	all, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	var idx fingerprintIndex
	for i, rec := range all {
		idx.add(rec.Fingerprint, i)
	}

	var similar []*models.Record
	for _, i := range idx.within(fingerprint, threshold) {
		similar = append(similar, all[i])
	}
	return similar, nil
}

// DeleteRecord removes a record from the database
func (s *Storage) DeleteRecord(id int64) error {
	_, err := s.db.Exec("DELETE FROM records WHERE id = ?", id)
	return err
}

// Summary aggregates all records
func (s *Storage) Summary() (*models.HistorySummary, error) {
	sum := &models.HistorySummary{}
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(fallback), 0), COALESCE(SUM(original_size), 0), COALESCE(SUM(output_size), 0)
		FROM records
	`).Scan(&sum.TotalFiles, &sum.Fallbacks, &sum.OriginalBytes, &sum.OutputBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize records: %w", err)
	}
	sum.SavedRatio = models.CompressionRatio(sum.OriginalBytes, sum.OutputBytes)
	return sum, nil
}

// RecordBatch records a batch run in history
func (s *Storage) RecordBatch(folder string, totalFiles, compressed, fallbacks int, bytesSaved int64) error {
	_, err := s.db.Exec(`
		INSERT INTO batch_history (folder, total_files, compressed, fallbacks, bytes_saved)
		VALUES (?, ?, ?, ?, ?)
	`, folder, totalFiles, compressed, fallbacks, bytesSaved)
	return err
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	var records []*models.Record
	for rows.Next() {
		rec := &models.Record{}
		var processedAt string
		var fingerprint int64
		var hadExif, fallback int
		var stripStatus, errMsg sql.NullString
		err := rows.Scan(
			&rec.ID,
			&rec.SourcePath,
			&rec.OutputPath,
			&rec.Format,
			&rec.SourceWidth,
			&rec.SourceHeight,
			&rec.Width,
			&rec.Height,
			&rec.OriginalSize,
			&rec.OutputSize,
			&rec.CompressionRatio,
			&hadExif,
			&stripStatus,
			&fallback,
			&errMsg,
			&fingerprint,
			&processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec.HadExif = hadExif == 1
		rec.Fallback = fallback == 1
		rec.StripStatus = stripStatus.String
		rec.Error = errMsg.String
		rec.Fingerprint = uint64(fingerprint)
		rec.ProcessedAt, _ = time.Parse(timeLayout, processedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
