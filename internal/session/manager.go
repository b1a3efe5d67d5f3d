// Package session tracks live protocol sessions per owner and
// enforces the concurrency ceiling. Records live in the metadata
// repository, guarded by its atomic primitives, so the ceiling holds
// across multiple bridge processes without in-process locks.
package session

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("drivebridge-session")

const (
	// DefaultCeiling is the maximum live sessions per owner.
	DefaultCeiling = 5
	// DefaultIdleTimeout evicts sessions with no activity for this
	// long; eviction is lazy, on the next admission check.
	DefaultIdleTimeout = 30 * time.Minute
)

// Manager admits, touches and releases protocol sessions.
type Manager struct {
	repo        storage.MetadataRepository
	ceiling     int
	idleTimeout time.Duration
	now         func() time.Time
}

// NewManager creates a session manager. Zero values select the
// defaults.
func NewManager(repo storage.MetadataRepository, ceiling int, idleTimeout time.Duration) *Manager {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		repo:        repo,
		ceiling:     ceiling,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Admit opens a session for the owner. Sessions idle past the timeout
// are evicted first; if the live count is still at the ceiling the
// admission fails with ConcurrencyLimitExceeded. The oldest session
// is never auto-evicted, so one client cannot silently kick another.
func (m *Manager) Admit(ctx context.Context, ownerID, credentialID int64, clientIP, userAgent string) (*models.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "session.admit",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	now := m.now().UTC()
	cutoff := now.Add(-m.idleTimeout)

	evicted, err := m.repo.DeleteIdleSessions(ctx, ownerID, cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if evicted > 0 {
		log.Printf("Evicted %d idle sessions for owner %d", evicted, ownerID)
	}

	if len(userAgent) > 255 {
		userAgent = userAgent[:255]
	}

	rec := &models.SessionRecord{
		SessionID:    uuid.New().String(),
		OwnerID:      ownerID,
		CredentialID: credentialID,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		OpenedAt:     now,
		LastActivity: now,
	}

	if err := m.repo.InsertSessionIfUnder(ctx, rec, m.ceiling); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("session_id", rec.SessionID))
	log.Printf("Session opened for owner %d: %.8s", ownerID, rec.SessionID)
	return rec, nil
}

// Touch updates last activity; called on every protocol request.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.repo.TouchSession(ctx, sessionID, m.now().UTC())
}

// Release ends a session on clean disconnect. Abrupt disconnects rely
// on idle-timeout eviction instead.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "session.release")
	defer span.End()

	if err := m.repo.DeleteSession(ctx, sessionID); err != nil {
		span.RecordError(err)
		return err
	}
	log.Printf("Session released: %.8s", sessionID)
	return nil
}
