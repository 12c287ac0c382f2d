package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DomainStatus is the domains table state machine. Transitions happen only
// through Queue operations.
type DomainStatus string

const (
	StatusPending    DomainStatus = "pending"
	StatusProcessing DomainStatus = "processing"
	StatusCompleted  DomainStatus = "completed"
	StatusError      DomainStatus = "error"
)

// ErrClaimLost is returned by ownership-checked mutations when the caller no
// longer holds the claim (expired and reclaimed, or reset by the guardian).
var ErrClaimLost = errors.New("claim lost")

// Domain is one row of the work queue.
type Domain struct {
	ID              uuid.UUID
	Host            string
	Status          DomainStatus
	Source          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastProcessedAt *time.Time
	AttemptCount    int
	LastError       *string
	ClaimHolder     *string
	ClaimDeadline   *time.Time
}
