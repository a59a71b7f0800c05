package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/relay/internal/models"
)

// candidateCeiling bounds the worst-case batch cost regardless of what a
// caller asks for.
const candidateCeiling = 500

// EventRecordRepository provides access to event records. Conditional
// updates guarded by claimed_at/claim_id are the only concurrency control;
// there is no lock manager, so every mutation here is a compare-and-swap.
type EventRecordRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEventRecordRepository creates a new event record repository
func NewEventRecordRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRecordRepository {
	return &EventRecordRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ReclaimStale clears the lease on records whose claim is older than the TTL
// and that never recorded an outcome, making them selectable again. Returns
// the number of records reclaimed.
func (r *EventRecordRepository) ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	cutoff := now.Add(-ttl)

	result := r.db.WithContext(ctx).
		Model(&models.EventRecord{}).
		Where("claimed_at IS NOT NULL AND claimed_at < ? AND forwarded_at IS NULL AND deadletter_at IS NULL", cutoff).
		Updates(map[string]interface{}{
			"claimed_at": nil,
			"claim_id":   nil,
		})

	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to reclaim stale claims")
	}

	return result.RowsAffected, nil
}

// SelectCandidates returns up to limit unforwarded, unclaimed, non-terminal
// records, oldest first for fairness. The limit is clamped server-side.
func (r *EventRecordRepository) SelectCandidates(ctx context.Context, limit int) ([]models.EventRecord, error) {
	if limit <= 0 || limit > candidateCeiling {
		limit = candidateCeiling
	}

	var records []models.EventRecord
	// Use read-only DB for reads; a stale read here is harmless because the
	// claim below re-checks the lease on the write database.
	err := r.readOnlyDB.WithContext(ctx).
		Where("forwarded_at IS NULL AND deadletter_at IS NULL AND claimed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select candidate records")
	}

	return records, nil
}

// Claim atomically leases one record to one delivery attempt. The update
// only applies while claimed_at is still null, so of two racing claimants
// exactly one wins; the loser gets (nil, nil) and simply moves on.
func (r *EventRecordRepository) Claim(ctx context.Context, id uuid.UUID, claimID uuid.UUID, now time.Time) (*models.EventRecord, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EventRecord{}).
		Where("id = ? AND claimed_at IS NULL AND forwarded_at IS NULL AND deadletter_at IS NULL", id).
		Updates(map[string]interface{}{
			"claimed_at": now,
			"claim_id":   claimID,
			"attempts":   gorm.Expr("attempts + 1"),
		})

	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to claim event record")
	}

	if result.RowsAffected == 0 {
		// A concurrent claimant won the race
		return nil, nil
	}

	var record models.EventRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load claimed event record")
	}

	return &record, nil
}

// MarkForwarded records a successful delivery. Guarded by the claim identity
// so a late write from a reclaimed attempt cannot clobber a newer claim;
// returns false when the guard no longer held.
func (r *EventRecordRepository) MarkForwarded(ctx context.Context, id uuid.UUID, claimID uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EventRecord{}).
		Where("id = ? AND claim_id = ?", id, claimID).
		Updates(map[string]interface{}{
			"forwarded_at": now,
			"claimed_at":   nil,
			"claim_id":     nil,
		})

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to mark event record as forwarded")
	}

	return result.RowsAffected > 0, nil
}

// MarkFailed records a failed delivery and releases the lease immediately so
// the next batch can retry without waiting out the TTL. When deadletter is
// set the record becomes terminal. Guarded by the claim identity like
// MarkForwarded.
func (r *EventRecordRepository) MarkFailed(ctx context.Context, id uuid.UUID, claimID uuid.UUID, forwardErr string, deadletter bool, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"forward_error": forwardErr,
		"claimed_at":    nil,
		"claim_id":      nil,
	}
	if deadletter {
		updates["deadletter_at"] = now
	}

	result := r.db.WithContext(ctx).
		Model(&models.EventRecord{}).
		Where("id = ? AND claim_id = ?", id, claimID).
		Updates(updates)

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to mark event record as failed")
	}

	return result.RowsAffected > 0, nil
}

// ListDeadlettered returns recently deadlettered records for operator
// inspection, newest first.
func (r *EventRecordRepository) ListDeadlettered(ctx context.Context, limit int) ([]models.EventRecord, error) {
	if limit <= 0 || limit > candidateCeiling {
		limit = candidateCeiling
	}

	var records []models.EventRecord
	err := r.readOnlyDB.WithContext(ctx).
		Where("deadletter_at IS NOT NULL").
		Order("deadletter_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deadlettered records")
	}

	return records, nil
}
