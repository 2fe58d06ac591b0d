// Package metastore provides the SQLite-backed metadata store for knowledge
// bases and their file records. It is the store of record: the config cache
// and every other layer treat its answers as authoritative. Uniqueness
// (knowledge-base name, file name within a knowledge base) and cascade
// deletion are enforced here, in the schema.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// Store is the SQLite metadata store. Safe for concurrent use; writes are
// serialized through a single connection to avoid SQLITE_BUSY.
type Store struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a Store at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	// WAL mode improves concurrent read performance; foreign_keys must be
	// enabled per-connection for ON DELETE CASCADE to fire.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under
	// concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *Store) migrate() error {
	const ddl = `
PRAGMA foreign_keys = ON;
CREATE TABLE IF NOT EXISTS knowledge_bases (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL UNIQUE,
    description      TEXT NOT NULL DEFAULT '',
    embedding_model  TEXT NOT NULL,
    chunk_config     TEXT NOT NULL,
    retrieval_config TEXT NOT NULL,
    created_at       INTEGER NOT NULL,  -- Unix timestamp (seconds)
    updated_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS file_records (
    id             TEXT PRIMARY KEY,
    kb_id          TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
    file_name      TEXT NOT NULL,
    file_path      TEXT NOT NULL DEFAULT '',
    file_extension TEXT NOT NULL,
    file_size      INTEGER NOT NULL DEFAULT 0,
    content_hash   TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL CHECK(status IN ('PENDING','PARSING','PERSISTING','SUCCEEDED','FAILED','CANCELLED')),
    failed_reason  TEXT,
    chunk_count    INTEGER NOT NULL DEFAULT 0,
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    UNIQUE(kb_id, file_name)
);
CREATE INDEX IF NOT EXISTS idx_file_records_kb_status
    ON file_records (kb_id, status);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("metastore: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable. Used by CLI diagnostics.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("metastore: ping: %w: %v", kb.ErrStorage, err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metastore: close: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// --- knowledge bases ---

// CreateKB persists a new knowledge base. Returns kb.ErrAlreadyExists when
// the name is already taken.
func (s *Store) CreateKB(ctx context.Context, base *kb.KnowledgeBase) error {
	cc, err := json.Marshal(base.ChunkConfig)
	if err != nil {
		return fmt.Errorf("metastore: marshal chunk config: %w", err)
	}
	rc, err := json.Marshal(base.RetrievalConfig)
	if err != nil {
		return fmt.Errorf("metastore: marshal retrieval config: %w", err)
	}

	const q = `INSERT INTO knowledge_bases
        (id, name, description, embedding_model, chunk_config, retrieval_config, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		base.ID, base.Name, base.Description, base.EmbeddingModel,
		string(cc), string(rc), base.CreatedAt.Unix(), base.UpdatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("metastore: knowledge base %q: %w", base.Name, kb.ErrAlreadyExists)
		}
		return fmt.Errorf("metastore: create kb: %w: %v", kb.ErrStorage, err)
	}
	return nil
}

// GetKB returns the knowledge base with the given id, or kb.ErrNotFound.
func (s *Store) GetKB(ctx context.Context, id string) (*kb.KnowledgeBase, error) {
	const q = `SELECT id, name, description, embedding_model, chunk_config, retrieval_config, created_at, updated_at
        FROM knowledge_bases WHERE id = ?`
	return s.scanKB(s.db.QueryRowContext(ctx, q, id), id)
}

// GetKBByName returns the knowledge base with the given unique name, or
// kb.ErrNotFound.
func (s *Store) GetKBByName(ctx context.Context, name string) (*kb.KnowledgeBase, error) {
	const q = `SELECT id, name, description, embedding_model, chunk_config, retrieval_config, created_at, updated_at
        FROM knowledge_bases WHERE name = ?`
	return s.scanKB(s.db.QueryRowContext(ctx, q, name), name)
}

// scanKB decodes one knowledge-base row. key is only used in error messages.
func (s *Store) scanKB(row *sql.Row, key string) (*kb.KnowledgeBase, error) {
	var base kb.KnowledgeBase
	var cc, rc string
	var created, updated int64
	err := row.Scan(&base.ID, &base.Name, &base.Description, &base.EmbeddingModel, &cc, &rc, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metastore: knowledge base %q: %w", key, kb.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: get kb: %w: %v", kb.ErrStorage, err)
	}
	if err := json.Unmarshal([]byte(cc), &base.ChunkConfig); err != nil {
		return nil, fmt.Errorf("metastore: decode chunk config for %s: %w", base.ID, err)
	}
	if err := json.Unmarshal([]byte(rc), &base.RetrievalConfig); err != nil {
		return nil, fmt.Errorf("metastore: decode retrieval config for %s: %w", base.ID, err)
	}
	base.CreatedAt = time.Unix(created, 0).UTC()
	base.UpdatedAt = time.Unix(updated, 0).UTC()
	return &base, nil
}

// ListKBs returns one page of knowledge bases ordered by creation time
// (newest first) plus the total count. page is 1-based.
func (s *Store) ListKBs(ctx context.Context, page, pageSize int) ([]*kb.KnowledgeBase, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_bases`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("metastore: count kbs: %w: %v", kb.ErrStorage, err)
	}

	const q = `SELECT id, name, description, embedding_model, chunk_config, retrieval_config, created_at, updated_at
        FROM knowledge_bases ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("metastore: list kbs: %w: %v", kb.ErrStorage, err)
	}
	defer rows.Close()

	var out []*kb.KnowledgeBase
	for rows.Next() {
		var base kb.KnowledgeBase
		var cc, rc string
		var created, updated int64
		if err := rows.Scan(&base.ID, &base.Name, &base.Description, &base.EmbeddingModel, &cc, &rc, &created, &updated); err != nil {
			return nil, 0, fmt.Errorf("metastore: scan kb: %w: %v", kb.ErrStorage, err)
		}
		if err := json.Unmarshal([]byte(cc), &base.ChunkConfig); err != nil {
			return nil, 0, fmt.Errorf("metastore: decode chunk config for %s: %w", base.ID, err)
		}
		if err := json.Unmarshal([]byte(rc), &base.RetrievalConfig); err != nil {
			return nil, 0, fmt.Errorf("metastore: decode retrieval config for %s: %w", base.ID, err)
		}
		base.CreatedAt = time.Unix(created, 0).UTC()
		base.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, &base)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("metastore: list kbs rows: %w: %v", kb.ErrStorage, err)
	}
	return out, total, nil
}

// KBPatch describes a partial update to a knowledge base. Nil fields are
// left untouched. Config fields replace the whole value; no field merge.
type KBPatch struct {
	Name            *string
	Description     *string
	EmbeddingModel  *string
	ChunkConfig     *kb.ChunkConfig
	RetrievalConfig *kb.RetrievalConfig
}

// UpdateKB applies the patch to the knowledge base with the given id and
// recomputes updated_at. Renaming re-validates uniqueness against the store,
// not just the cache. Returns the updated entity.
func (s *Store) UpdateKB(ctx context.Context, id string, patch KBPatch) (*kb.KnowledgeBase, error) {
	base, err := s.GetKB(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil && *patch.Name != base.Name {
		if err := kb.ValidateName(*patch.Name); err != nil {
			return nil, err
		}
		base.Name = *patch.Name
	}
	if patch.Description != nil {
		base.Description = *patch.Description
	}
	if patch.EmbeddingModel != nil {
		base.EmbeddingModel = *patch.EmbeddingModel
	}
	if patch.ChunkConfig != nil {
		if err := patch.ChunkConfig.Validate(); err != nil {
			return nil, err
		}
		base.ChunkConfig = *patch.ChunkConfig
	}
	if patch.RetrievalConfig != nil {
		if err := patch.RetrievalConfig.Validate(); err != nil {
			return nil, err
		}
		base.RetrievalConfig = *patch.RetrievalConfig
	}
	base.UpdatedAt = time.Now().UTC()

	cc, err := json.Marshal(base.ChunkConfig)
	if err != nil {
		return nil, fmt.Errorf("metastore: marshal chunk config: %w", err)
	}
	rc, err := json.Marshal(base.RetrievalConfig)
	if err != nil {
		return nil, fmt.Errorf("metastore: marshal retrieval config: %w", err)
	}

	const q = `UPDATE knowledge_bases
        SET name = ?, description = ?, embedding_model = ?, chunk_config = ?, retrieval_config = ?, updated_at = ?
        WHERE id = ?`
	_, err = s.db.ExecContext(ctx, q,
		base.Name, base.Description, base.EmbeddingModel, string(cc), string(rc), base.UpdatedAt.Unix(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("metastore: knowledge base %q: %w", base.Name, kb.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("metastore: update kb: %w: %v", kb.ErrStorage, err)
	}
	return base, nil
}

// DeleteKB removes the knowledge base and, via ON DELETE CASCADE, all of its
// file records. Returns kb.ErrNotFound when the id is unknown.
func (s *Store) DeleteKB(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("metastore: delete kb: %w: %v", kb.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metastore: delete kb rows affected: %w: %v", kb.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("metastore: knowledge base %q: %w", id, kb.ErrNotFound)
	}
	return nil
}

// KBStats aggregates document_count and total_size over SUCCEEDED file
// records for the given knowledge base. Computed on read, never persisted
// as a counter, so it cannot drift.
func (s *Store) KBStats(ctx context.Context, kbID string) (kb.Stats, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(file_size), 0)
        FROM file_records WHERE kb_id = ? AND status = 'SUCCEEDED'`
	var st kb.Stats
	if err := s.db.QueryRowContext(ctx, q, kbID).Scan(&st.DocumentCount, &st.TotalSize); err != nil {
		return kb.Stats{}, fmt.Errorf("metastore: kb stats: %w: %v", kb.ErrStorage, err)
	}
	return st, nil
}

// --- file records ---

// CreateFile persists a new file record. Returns kb.ErrAlreadyExists when
// the (kb_id, file_name) pair is taken; overwrite handling lives in the
// facade, which calls OverwriteFile instead.
func (s *Store) CreateFile(ctx context.Context, rec *kb.FileRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("metastore: marshal file metadata: %w", err)
	}

	const q = `INSERT INTO file_records
        (id, kb_id, file_name, file_path, file_extension, file_size, content_hash, status, failed_reason, chunk_count, metadata, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		rec.ID, rec.KBID, rec.FileName, rec.StoredPath, rec.Extension, rec.Size,
		rec.ContentHash, string(rec.Status), nullable(rec.FailedReason), rec.ChunkCount,
		string(meta), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("metastore: file %q in kb %s: %w", rec.FileName, rec.KBID, kb.ErrAlreadyExists)
		}
		return fmt.Errorf("metastore: create file: %w: %v", kb.ErrStorage, err)
	}
	return nil
}

// OverwriteFile resets an existing record for a re-upload of the same file
// name: same id, new path/size/hash/metadata, status back to PENDING with
// chunk_count 0 and the failure reason cleared.
func (s *Store) OverwriteFile(ctx context.Context, rec *kb.FileRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("metastore: marshal file metadata: %w", err)
	}

	const q = `UPDATE file_records
        SET file_path = ?, file_extension = ?, file_size = ?, content_hash = ?,
            status = 'PENDING', failed_reason = NULL, chunk_count = 0, metadata = ?, updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		rec.StoredPath, rec.Extension, rec.Size, rec.ContentHash,
		string(meta), time.Now().UTC().Unix(), rec.ID)
	if err != nil {
		return fmt.Errorf("metastore: overwrite file: %w: %v", kb.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metastore: overwrite file rows affected: %w: %v", kb.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("metastore: file %q: %w", rec.ID, kb.ErrNotFound)
	}
	return nil
}

// GetFile returns the file record with the given id, or kb.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id string) (*kb.FileRecord, error) {
	const q = selectFileColumns + ` WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	rec, err := scanFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metastore: file %q: %w", id, kb.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: get file: %w: %v", kb.ErrStorage, err)
	}
	return rec, nil
}

// GetFileByName returns the file record with the given name inside a
// knowledge base, or kb.ErrNotFound.
func (s *Store) GetFileByName(ctx context.Context, kbID, fileName string) (*kb.FileRecord, error) {
	const q = selectFileColumns + ` WHERE kb_id = ? AND file_name = ?`
	row := s.db.QueryRowContext(ctx, q, kbID, fileName)
	rec, err := scanFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metastore: file %q in kb %s: %w", fileName, kbID, kb.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: get file by name: %w: %v", kb.ErrStorage, err)
	}
	return rec, nil
}

// ListFiles returns one page of a knowledge base's file records ordered by
// creation time (newest first), optionally filtered by status, plus the
// total count. page is 1-based; status "" means no filter.
func (s *Store) ListFiles(ctx context.Context, kbID string, page, pageSize int, status kb.FileStatus) ([]*kb.FileRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	where := `WHERE kb_id = ?`
	args := []any{kbID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("metastore: count files: %w: %v", kb.ErrStorage, err)
	}

	q := selectFileColumns + " " + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("metastore: list files: %w: %v", kb.ErrStorage, err)
	}
	defer rows.Close()

	var out []*kb.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("metastore: scan file: %w: %v", kb.ErrStorage, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("metastore: list files rows: %w: %v", kb.ErrStorage, err)
	}
	return out, total, nil
}

// UpdateFileStatus moves a file record to the given status. reason is
// stored as failed_reason for FAILED (and cleared otherwise); chunkCount is
// persisted as-is so SUCCEEDED runs record the upserted count.
func (s *Store) UpdateFileStatus(ctx context.Context, id string, status kb.FileStatus, reason string, chunkCount int) error {
	if !status.Valid() {
		return fmt.Errorf("metastore: invalid status %q: %w", status, kb.ErrValidation)
	}
	var failedReason any
	if status == kb.StatusFailed {
		failedReason = reason
	}

	const q = `UPDATE file_records SET status = ?, failed_reason = ?, chunk_count = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), failedReason, chunkCount, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("metastore: update file status: %w: %v", kb.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metastore: update file status rows affected: %w: %v", kb.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("metastore: file %q: %w", id, kb.ErrNotFound)
	}
	return nil
}

// DeleteFile removes one file record. Returns kb.ErrNotFound when the id is
// unknown.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("metastore: delete file: %w: %v", kb.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metastore: delete file rows affected: %w: %v", kb.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("metastore: file %q: %w", id, kb.ErrNotFound)
	}
	return nil
}

// selectFileColumns is the shared column list for file-record queries,
// kept in one place so scanFile stays in sync.
const selectFileColumns = `SELECT id, kb_id, file_name, file_path, file_extension, file_size, content_hash, status, failed_reason, chunk_count, metadata, created_at, updated_at FROM file_records`

// scanFile decodes one file-record row from either *sql.Row or *sql.Rows.
func scanFile(scan func(...any) error) (*kb.FileRecord, error) {
	var rec kb.FileRecord
	var status, meta string
	var failedReason sql.NullString
	var created, updated int64
	err := scan(&rec.ID, &rec.KBID, &rec.FileName, &rec.StoredPath, &rec.Extension,
		&rec.Size, &rec.ContentHash, &status, &failedReason, &rec.ChunkCount,
		&meta, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.Status = kb.FileStatus(status)
	rec.FailedReason = failedReason.String
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
