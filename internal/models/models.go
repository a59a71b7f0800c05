package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventRecord is a lifecycle/audit event recorded by upstream producers and
// relayed to the observability sink by this service. Business fields are
// append-only; only the forwarding-state fields are ever mutated here.
type EventRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	TenantID uuid.UUID  `gorm:"type:uuid;not null" json:"tenant_id"`
	CaseID   *uuid.UUID `gorm:"type:uuid" json:"case_id"`

	Kind    string  `json:"kind"`
	Stage   string  `json:"stage"`
	Status  string  `json:"status"`
	Payload []byte  `gorm:"type:jsonb" json:"payload"`
	Meta    []byte  `gorm:"type:jsonb" json:"meta"`
	Error   *string `json:"error"`

	// Forwarding state. A record with ForwardedAt or DeadletterAt set is
	// terminal and never selected again.
	ForwardedAt  *time.Time `gorm:"index" json:"forwarded_at"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	ClaimID      *uuid.UUID `gorm:"type:uuid" json:"claim_id"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	ForwardError *string    `json:"forward_error"`
	DeadletterAt *time.Time `json:"deadletter_at"`
}

// EventKey returns the key the sink groups events by: the explicit kind when
// the producer set one, otherwise the stage.
func (r *EventRecord) EventKey() string {
	if r.Kind != "" {
		return r.Kind
	}
	return r.Stage
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&EventRecord{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
