// Package quota enforces per-owner storage budgets. Reservations are
// applied pessimistically before any blob write and compensated on
// failure, so the usage counter can only ever overshoot transiently
// and never undershoot.
package quota

import (
	"context"
	"log"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("drivebridge-quota")

// releaseAttempts bounds the compensating release retry. After the
// last attempt fails the discrepancy is left for the reconciliation
// job to repair.
const releaseAttempts = 3

// Reservation is a live hold on an owner's quota. Exactly one of
// Confirm or Cancel must be called.
type Reservation struct {
	enf     *Enforcer
	OwnerID int64
	Bytes   int64
	settled bool
}

// Enforcer applies quota deltas through the repository's atomic
// compare-and-set.
type Enforcer struct {
	repo  storage.MetadataRepository
	queue storage.JobEnqueuer
}

// NewEnforcer creates a quota enforcer. The queue receives
// reconciliation work when a compensating release cannot be applied.
func NewEnforcer(repo storage.MetadataRepository, queue storage.JobEnqueuer) *Enforcer {
	return &Enforcer{repo: repo, queue: queue}
}

// Reserve holds size bytes against the owner's budget. Fails with
// QuotaExceeded when the hold would push usage past the limit.
func (e *Enforcer) Reserve(ctx context.Context, ownerID, size int64) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "quota.reserve",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("bytes", size),
		),
	)
	defer span.End()

	if size < 0 {
		return nil, bridgerr.ErrInvalidOperation
	}
	if err := e.repo.CASQuota(ctx, ownerID, size, true); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Reservation{enf: e, OwnerID: ownerID, Bytes: size}, nil
}

// Confirm settles the reservation in place. The reserved bytes stay
// counted as used; nothing further touches the counter.
func (r *Reservation) Confirm() {
	r.settled = true
}

// Cancel returns the reserved bytes. Safe to defer after Confirm; a
// settled reservation is a no-op.
func (r *Reservation) Cancel(ctx context.Context) {
	if r.settled {
		return
	}
	r.settled = true
	r.enf.Release(ctx, r.OwnerID, r.Bytes)
}

// Release returns size bytes to the owner's budget, retrying a few
// times on backend failure. A release that still fails is handed to
// the reconciliation job rather than surfaced to the caller; over-
// counting is the safe direction.
func (e *Enforcer) Release(ctx context.Context, ownerID, size int64) {
	ctx, span := tracer.Start(ctx, "quota.release",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("bytes", size),
		),
	)
	defer span.End()

	var err error
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		if err = e.repo.CASQuota(ctx, ownerID, -size, false); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	span.RecordError(err)
	log.Printf("Quota release of %d bytes for owner %d failed after %d attempts: %v", size, ownerID, releaseAttempts, err)
	if e.queue != nil {
		if qerr := e.queue.Enqueue(ctx, storage.JobBlobResync, map[string]any{
			"owner_id":      ownerID,
			"release_bytes": size,
		}); qerr != nil {
			log.Printf("Failed to enqueue quota reconciliation for owner %d: %v", ownerID, qerr)
		}
	}
}

// Usage returns the owner's current account, creating a default one on
// first touch.
func (e *Enforcer) Usage(ctx context.Context, ownerID int64) (*models.QuotaAccount, error) {
	return e.repo.GetQuota(ctx, ownerID)
}
