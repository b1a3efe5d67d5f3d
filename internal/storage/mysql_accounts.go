package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQuotaBytes is the limit assigned when an account row is
// created on demand (5 GiB, matching the platform default).
const DefaultQuotaBytes = 5 << 30

// CASQuota applies delta to the owner's used bytes in one conditional
// UPDATE. With enforceLimit, the update is refused when used+delta
// would exceed the limit; negative deltas clamp at zero so the counter
// never goes negative. The quota row is created on demand.
func (mc *MySQLClient) CASQuota(ctx context.Context, ownerID, delta int64, enforceLimit bool) error {
	ctx, span := tracer.Start(ctx, "mysql.cas_quota",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("delta", delta),
			attribute.Bool("enforce_limit", enforceLimit),
		),
	)
	defer span.End()

	if _, err := mc.db.ExecContext(ctx,
		`INSERT IGNORE INTO quota_accounts (owner_id, limit_bytes, used_bytes) VALUES (?, ?, 0)`,
		ownerID, mc.defaultQuota); err != nil {
		span.RecordError(err)
		return wrapBackend("ensure quota account", err)
	}

	// A zero delta always fits; the guarded UPDATE below would change
	// no row and read as a false quota failure.
	if delta == 0 {
		span.SetAttributes(attribute.Bool("cas_success", true))
		return nil
	}

	var res sql.Result
	var err error
	if delta >= 0 && enforceLimit {
		res, err = mc.db.ExecContext(ctx,
			`UPDATE quota_accounts SET used_bytes = used_bytes + ?
			 WHERE owner_id = ? AND used_bytes + ? <= limit_bytes`,
			delta, ownerID, delta)
	} else {
		res, err = mc.db.ExecContext(ctx,
			`UPDATE quota_accounts SET used_bytes = GREATEST(used_bytes + ?, 0)
			 WHERE owner_id = ?`,
			delta, ownerID)
	}
	if err != nil {
		span.RecordError(err)
		return wrapBackend("cas quota", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return wrapBackend("cas quota rows", err)
	}
	if n == 0 && enforceLimit && delta >= 0 {
		span.SetAttributes(attribute.Bool("quota_exceeded", true))
		return fmt.Errorf("reserve %d bytes for owner %d: %w", delta, ownerID, bridgerr.ErrQuotaExceeded)
	}

	span.SetAttributes(attribute.Bool("cas_success", true))
	return nil
}

// GetQuota returns the owner's account, creating it on demand.
func (mc *MySQLClient) GetQuota(ctx context.Context, ownerID int64) (*models.QuotaAccount, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_quota",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	if _, err := mc.db.ExecContext(ctx,
		`INSERT IGNORE INTO quota_accounts (owner_id, limit_bytes, used_bytes) VALUES (?, ?, 0)`,
		ownerID, mc.defaultQuota); err != nil {
		span.RecordError(err)
		return nil, wrapBackend("ensure quota account", err)
	}

	var q models.QuotaAccount
	err := mc.db.QueryRowContext(ctx,
		`SELECT owner_id, limit_bytes, used_bytes FROM quota_accounts WHERE owner_id = ?`,
		ownerID).Scan(&q.OwnerID, &q.LimitBytes, &q.UsedBytes)
	if err != nil {
		span.RecordError(err)
		return nil, wrapBackend("query quota", err)
	}

	span.SetAttributes(attribute.Int64("used_bytes", q.UsedBytes))
	return &q, nil
}

// InsertSessionIfUnder creates the session record only while the
// owner's live count is below ceiling. The count is evaluated inside
// the INSERT so the ceiling holds across server processes.
func (mc *MySQLClient) InsertSessionIfUnder(ctx context.Context, rec *models.SessionRecord, ceiling int) error {
	ctx, span := tracer.Start(ctx, "mysql.insert_session",
		trace.WithAttributes(
			attribute.Int64("owner_id", rec.OwnerID),
			attribute.Int("ceiling", ceiling),
		),
	)
	defer span.End()

	// The derived table sidesteps MySQL's restriction on selecting
	// from the table being inserted into.
	query := `INSERT INTO dav_sessions
			  (session_id, owner_id, credential_id, client_ip, user_agent, opened_at, last_activity)
			  SELECT ?, ?, ?, ?, ?, ?, ?
			  FROM DUAL
			  WHERE (SELECT COUNT(*) FROM (
					SELECT 1 FROM dav_sessions WHERE owner_id = ?
			  ) AS live) < ?`

	res, err := mc.db.ExecContext(ctx, query,
		rec.SessionID, rec.OwnerID, rec.CredentialID, rec.ClientIP, rec.UserAgent,
		rec.OpenedAt, rec.LastActivity, rec.OwnerID, ceiling)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("insert session", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return wrapBackend("insert session rows", err)
	}
	if n == 0 {
		span.SetAttributes(attribute.Bool("at_capacity", true))
		return fmt.Errorf("owner %d at %d sessions: %w", rec.OwnerID, ceiling, bridgerr.ErrConcurrencyLimitExceeded)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// TouchSession updates last activity for one session.
func (mc *MySQLClient) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "mysql.touch_session")
	defer span.End()

	res, err := mc.db.ExecContext(ctx,
		`UPDATE dav_sessions SET last_activity = ? WHERE session_id = ?`, at, sessionID)
	if err != nil {
		span.RecordError(err)
		return wrapBackend("touch session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %.8s: %w", sessionID, bridgerr.ErrNotFound)
	}
	return nil
}

// DeleteSession ends one session.
func (mc *MySQLClient) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_session")
	defer span.End()

	if _, err := mc.db.ExecContext(ctx,
		`DELETE FROM dav_sessions WHERE session_id = ?`, sessionID); err != nil {
		span.RecordError(err)
		return wrapBackend("delete session", err)
	}
	return nil
}

// DeleteIdleSessions evicts the owner's sessions idle since cutoff.
func (mc *MySQLClient) DeleteIdleSessions(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "mysql.delete_idle_sessions",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	res, err := mc.db.ExecContext(ctx,
		`DELETE FROM dav_sessions WHERE owner_id = ? AND last_activity < ?`, ownerID, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, wrapBackend("delete idle sessions", err)
	}

	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("evicted", n))
	return n, nil
}

// FindCredentialByUsername looks up a protocol credential. Revoked
// credentials are returned with Revoked set; the caller decides.
func (mc *MySQLClient) FindCredentialByUsername(ctx context.Context, username string) (*models.Credential, error) {
	ctx, span := tracer.Start(ctx, "mysql.find_credential",
		trace.WithAttributes(attribute.String("username", username)),
	)
	defer span.End()

	var cred models.Credential
	err := mc.db.QueryRowContext(ctx,
		`SELECT id, owner_id, username, password_hash, revoked
		 FROM dav_credentials WHERE username = ?`, username).
		Scan(&cred.ID, &cred.OwnerID, &cred.Username, &cred.PasswordHash, &cred.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("credential %s: %w", username, bridgerr.ErrUnauthorized)
	} else if err != nil {
		span.RecordError(err)
		return nil, wrapBackend("query credential", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &cred, nil
}
