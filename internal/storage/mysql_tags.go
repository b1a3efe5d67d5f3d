package storage

import (
	"context"
	"fmt"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ListTags returns the owner's tag bindings ordered by name.
func (mc *MySQLClient) ListTags(ctx context.Context, ownerID int64) ([]*models.TagBinding, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_tags",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	query := `SELECT owner_id, name, color, label_code, created_at FROM tags
			  WHERE owner_id = ? ORDER BY name ASC`

	rows, err := mc.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, wrapBackend("query tags", err)
	}
	defer rows.Close()

	var tags []*models.TagBinding
	for rows.Next() {
		var tag models.TagBinding
		if err := rows.Scan(&tag.OwnerID, &tag.Name, &tag.Color, &tag.LabelCode, &tag.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, wrapBackend("scan tag", err)
		}
		tags = append(tags, &tag)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, wrapBackend("iterate tags", err)
	}

	span.SetAttributes(attribute.Int("tag_count", len(tags)))
	return tags, nil
}

// BindTag attaches a tag to a file, creating the tag on first use.
// Binding twice is a no-op.
func (mc *MySQLClient) BindTag(ctx context.Context, ownerID, fileID int64, tag string) error {
	ctx, span := tracer.Start(ctx, "mysql.bind_tag",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
			attribute.String("tag", tag),
		),
	)
	defer span.End()

	if _, err := mc.db.ExecContext(ctx,
		`INSERT IGNORE INTO tags (owner_id, name, color, label_code) VALUES (?, ?, '', 0)`,
		ownerID, tag); err != nil {
		span.RecordError(err)
		return wrapBackend("ensure tag", err)
	}

	if _, err := mc.db.ExecContext(ctx,
		`INSERT IGNORE INTO file_tags (file_id, owner_id, tag_name) VALUES (?, ?, ?)`,
		fileID, ownerID, tag); err != nil {
		span.RecordError(err)
		return wrapBackend("bind tag", err)
	}

	span.SetAttributes(attribute.Bool("bind_success", true))
	return nil
}

// UnbindTag detaches a tag from one file. The file record and content
// are untouched.
func (mc *MySQLClient) UnbindTag(ctx context.Context, ownerID, fileID int64, tag string) error {
	ctx, span := tracer.Start(ctx, "mysql.unbind_tag",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("file_id", fileID),
			attribute.String("tag", tag),
		),
	)
	defer span.End()

	res, err := mc.db.ExecContext(ctx,
		`DELETE FROM file_tags WHERE file_id = ? AND owner_id = ? AND tag_name = ?`,
		fileID, ownerID, tag)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("unbind tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tag %s on file %d: %w", tag, fileID, bridgerr.ErrNotFound)
	}

	return nil
}

// DeleteTag removes the tag and every binding to it. Files keep their
// records and content.
func (mc *MySQLClient) DeleteTag(ctx context.Context, ownerID int64, tag string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_tag",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("tag", tag),
		),
	)
	defer span.End()

	tx, err := mc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("begin delete tag", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_tags WHERE owner_id = ? AND tag_name = ?`, ownerID, tag); err != nil {
		span.RecordError(err)
		return wrapBackend("delete tag bindings", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM tags WHERE owner_id = ? AND name = ?`, ownerID, tag)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("delete tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tag %s: %w", tag, bridgerr.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return wrapBackend("commit delete tag", err)
	}

	return nil
}
