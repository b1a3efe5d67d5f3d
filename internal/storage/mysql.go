package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const mysqlErrDuplicateEntry = 1062

// MySQLClient implements MetadataRepository over MySQL with tracing.
type MySQLClient struct {
	db           *sql.DB
	defaultQuota int64
}

// NewMySQLClient initializes a new MySQL metadata client.
func NewMySQLClient(dsn string) (*MySQLClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &MySQLClient{db: db, defaultQuota: DefaultQuotaBytes}, nil
}

// SetDefaultQuota overrides the limit assigned to accounts created on
// demand.
func (mc *MySQLClient) SetDefaultQuota(bytes int64) {
	if bytes > 0 {
		mc.defaultQuota = bytes
	}
}

// Close closes the database connection.
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

// wrapBackend classifies driver failures so callers only ever see the
// taxonomy kinds.
func wrapBackend(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, bridgerr.ErrBackendUnavailable, err)
}

const fileColumns = `id, owner_id, path, content_key, size_bytes, checksum_sha256,
	mime_type, uploaded_at, modified_at, original_time, is_deleted, deleted_at`

func scanFileRecord(row interface{ Scan(...any) error }) (*models.FileRecord, error) {
	var rec models.FileRecord
	var originalTime, deletedAt sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Path,
		&rec.ContentKey,
		&rec.SizeBytes,
		&rec.ChecksumSHA,
		&rec.MimeType,
		&rec.UploadedAt,
		&rec.ModifiedAt,
		&originalTime,
		&rec.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if originalTime.Valid {
		rec.OriginalTime = originalTime.Time
	}
	if deletedAt.Valid {
		rec.DeletedAt = deletedAt.Time
	}
	return &rec, nil
}

// FindByOwnerAndPath looks up the live record at path with tracing.
func (mc *MySQLClient) FindByOwnerAndPath(ctx context.Context, ownerID int64, path string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.find_by_owner_and_path",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("path", path),
		),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM files
			  WHERE owner_id = ? AND path = ? AND is_deleted = FALSE`

	rec, err := scanFileRecord(mc.db.QueryRowContext(ctx, query, ownerID, path))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%s: %w", path, bridgerr.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, wrapBackend("query file", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return rec, nil
}

// ListByOwnerAndPrefix returns live records whose path starts with
// prefix, ordered by path for stable listings.
func (mc *MySQLClient) ListByOwnerAndPrefix(ctx context.Context, ownerID int64, prefix string) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_by_owner_and_prefix",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM files
			  WHERE owner_id = ? AND path LIKE CONCAT(?, '%') AND is_deleted = FALSE
			  ORDER BY path ASC`

	return mc.queryFiles(ctx, span, query, ownerID, prefix)
}

// FindDeletedByOwner returns the owner's trash, newest deletion first.
func (mc *MySQLClient) FindDeletedByOwner(ctx context.Context, ownerID int64) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.find_deleted_by_owner",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM files
			  WHERE owner_id = ? AND is_deleted = TRUE
			  ORDER BY deleted_at DESC`

	return mc.queryFiles(ctx, span, query, ownerID)
}

// FindByOwnerAndTag returns live records carrying the given tag.
func (mc *MySQLClient) FindByOwnerAndTag(ctx context.Context, ownerID int64, tag string) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.find_by_owner_and_tag",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("tag", tag),
		),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM files
			  JOIN file_tags ON file_tags.file_id = files.id
			  WHERE files.owner_id = ? AND file_tags.tag_name = ? AND files.is_deleted = FALSE
			  ORDER BY files.path ASC`

	return mc.queryFiles(ctx, span, query, ownerID, tag)
}

func (mc *MySQLClient) queryFiles(ctx context.Context, span trace.Span, query string, args ...any) ([]*models.FileRecord, error) {
	rows, err := mc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, wrapBackend("query files", err)
	}
	defer rows.Close()

	var records []*models.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			span.RecordError(err)
			return nil, wrapBackend("scan file", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, wrapBackend("iterate files", err)
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}

// Insert creates a file record. A live record already holding the
// path surfaces as Conflict via the (owner_id, path_live) unique key.
func (mc *MySQLClient) Insert(ctx context.Context, rec *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "mysql.insert_file",
		trace.WithAttributes(
			attribute.Int64("owner_id", rec.OwnerID),
			attribute.String("path", rec.Path),
			attribute.Int64("size_bytes", rec.SizeBytes),
		),
	)
	defer span.End()

	query := `INSERT INTO files (owner_id, path, content_key, size_bytes, checksum_sha256,
			  mime_type, uploaded_at, modified_at, original_time, is_deleted)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`

	var originalTime any
	if !rec.OriginalTime.IsZero() {
		originalTime = rec.OriginalTime
	}

	res, err := mc.db.ExecContext(ctx, query,
		rec.OwnerID, rec.Path, rec.ContentKey, rec.SizeBytes, rec.ChecksumSHA,
		rec.MimeType, rec.UploadedAt, rec.ModifiedAt, originalTime)
	if isDuplicate(err) {
		span.SetAttributes(attribute.Bool("path_conflict", true))
		return fmt.Errorf("insert %s: %w", rec.Path, bridgerr.ErrConflict)
	} else if err != nil {
		span.RecordError(err)
		return wrapBackend("insert file", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// UpdatePath relocates a record; Conflict when the target path is held
// by another live record.
func (mc *MySQLClient) UpdatePath(ctx context.Context, ownerID, fileID int64, newPath string) error {
	ctx, span := tracer.Start(ctx, "mysql.update_path",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
			attribute.String("new_path", newPath),
		),
	)
	defer span.End()

	query := `UPDATE files SET path = ?, modified_at = ?
			  WHERE id = ? AND owner_id = ?`

	res, err := mc.db.ExecContext(ctx, query, newPath, time.Now().UTC(), fileID, ownerID)
	if isDuplicate(err) {
		span.SetAttributes(attribute.Bool("path_conflict", true))
		return fmt.Errorf("update path to %s: %w", newPath, bridgerr.ErrConflict)
	} else if err != nil {
		span.RecordError(err)
		return wrapBackend("update path", err)
	}

	return mc.requireRow(span, res, fileID)
}

// UpdateContent swaps a live record's content columns in place. The
// path never changes here, so the live-path unique key cannot fire.
func (mc *MySQLClient) UpdateContent(ctx context.Context, ownerID, fileID int64, contentKey string, sizeBytes int64, checksum, mimeType string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "mysql.update_content",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
			attribute.Int64("size_bytes", sizeBytes),
		),
	)
	defer span.End()

	query := `UPDATE files SET content_key = ?, size_bytes = ?, checksum_sha256 = ?,
			  mime_type = ?, modified_at = ?
			  WHERE id = ? AND owner_id = ? AND is_deleted = FALSE`

	res, err := mc.db.ExecContext(ctx, query,
		contentKey, sizeBytes, checksum, mimeType, at, fileID, ownerID)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("update content", err)
	}

	return mc.requireRow(span, res, fileID)
}

// MarkDeleted flips the soft-delete flag in one write.
func (mc *MySQLClient) MarkDeleted(ctx context.Context, ownerID, fileID int64, at time.Time) error {
	ctx, span := tracer.Start(ctx, "mysql.mark_deleted",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
		),
	)
	defer span.End()

	query := `UPDATE files SET is_deleted = TRUE, deleted_at = ?, modified_at = ?
			  WHERE id = ? AND owner_id = ? AND is_deleted = FALSE`

	res, err := mc.db.ExecContext(ctx, query, at, at, fileID, ownerID)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("mark deleted", err)
	}

	return mc.requireRow(span, res, fileID)
}

// ClearDeleted restores a trashed record at restoredPath. Conflict
// when a live record already holds that path.
func (mc *MySQLClient) ClearDeleted(ctx context.Context, ownerID, fileID int64, restoredPath string) error {
	ctx, span := tracer.Start(ctx, "mysql.clear_deleted",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
			attribute.String("restored_path", restoredPath),
		),
	)
	defer span.End()

	query := `UPDATE files SET is_deleted = FALSE, deleted_at = NULL, path = ?, modified_at = ?
			  WHERE id = ? AND owner_id = ? AND is_deleted = TRUE`

	res, err := mc.db.ExecContext(ctx, query, restoredPath, time.Now().UTC(), fileID, ownerID)
	if isDuplicate(err) {
		span.SetAttributes(attribute.Bool("path_conflict", true))
		return fmt.Errorf("restore to %s: %w", restoredPath, bridgerr.ErrConflict)
	} else if err != nil {
		span.RecordError(err)
		return wrapBackend("clear deleted", err)
	}

	return mc.requireRow(span, res, fileID)
}

// Purge permanently destroys a record and its tag bindings.
func (mc *MySQLClient) Purge(ctx context.Context, ownerID, fileID int64) error {
	ctx, span := tracer.Start(ctx, "mysql.purge",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
		),
	)
	defer span.End()

	tx, err := mc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("begin purge", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_tags WHERE file_id = ? AND owner_id = ?`, fileID, ownerID); err != nil {
		span.RecordError(err)
		return wrapBackend("purge tag bindings", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE id = ? AND owner_id = ?`, fileID, ownerID)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("purge file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return wrapBackend("commit purge", err)
	}

	span.SetAttributes(attribute.Bool("purge_success", true))
	return nil
}

func (mc *MySQLClient) requireRow(span trace.Span, res sql.Result, fileID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return wrapBackend("rows affected", err)
	}
	if n == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}
	return nil
}
