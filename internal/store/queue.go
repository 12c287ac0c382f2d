package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue exposes the domains table as a work queue safe under parallel
// claimants. Every mutation is a single statement, so a failed round-trip
// never leaves the queue half-transitioned.
type Queue struct {
	pool *pgxpool.Pool
}

func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

const domainColumns = `id, domain, status, source, created_at, updated_at,
	last_processed_at, attempt_count, last_error, claim_holder, claim_deadline`

// Claim atomically selects up to batchSize claimable domains and marks them
// processing for workerID with a deadline of now+claimTTL. Claimable means
// pending outside its backoff window, or processing with an expired claim.
// SKIP LOCKED guarantees concurrent claimants never overlap.
func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int, claimTTL time.Duration) ([]Domain, error) {
	deadline := time.Now().UTC().Add(claimTTL)
	query := `
		UPDATE domains SET
			status = 'processing',
			claim_holder = $1,
			claim_deadline = $2,
			updated_at = now()
		WHERE id IN (
			SELECT id FROM domains
			WHERE (status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
			   OR (status = 'processing' AND claim_deadline < now())
			ORDER BY last_processed_at NULLS FIRST, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + domainColumns

	rows, err := q.pool.Query(ctx, query, workerID, deadline, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim domains: %w", err)
	}
	defer rows.Close()
	return scanDomains(rows)
}

// Release reverts a domain to pending if workerID still holds it. Used on
// shutdown and after storage failures so the domain is re-claimed later.
func (q *Queue) Release(ctx context.Context, domainID uuid.UUID, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE domains SET
			status = 'pending',
			claim_holder = NULL,
			claim_deadline = NULL,
			updated_at = now()
		WHERE id = $1 AND claim_holder = $2 AND status = 'processing'`,
		domainID, workerID)
	if err != nil {
		return fmt.Errorf("release domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Complete marks a domain done. The worker only calls this after the tensor
// cell set for the domain met the coverage requirement.
func (q *Queue) Complete(ctx context.Context, domainID uuid.UUID, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE domains SET
			status = 'completed',
			last_processed_at = now(),
			last_error = NULL,
			claim_holder = NULL,
			claim_deadline = NULL,
			next_attempt_at = NULL,
			updated_at = now()
		WHERE id = $1 AND claim_holder = $2 AND status = 'processing'`,
		domainID, workerID)
	if err != nil {
		return fmt.Errorf("complete domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Fail records a failed pass. Below maxAttempts the domain goes back to
// pending with a backoff window (claim excludes it until nextAttemptAt);
// at maxAttempts it lands in terminal error with lastError populated.
func (q *Queue) Fail(ctx context.Context, domainID uuid.UUID, workerID, lastError string, maxAttempts int, nextAttemptAt time.Time) (DomainStatus, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE domains SET
			attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 >= $3 THEN 'error' ELSE 'pending' END,
			last_error = $4,
			next_attempt_at = CASE WHEN attempt_count + 1 >= $3 THEN NULL ELSE $5 END,
			last_processed_at = now(),
			claim_holder = NULL,
			claim_deadline = NULL,
			updated_at = now()
		WHERE id = $1 AND claim_holder = $2 AND status = 'processing'
		RETURNING status`,
		domainID, workerID, maxAttempts, lastError, nextAttemptAt)

	var status DomainStatus
	if err := row.Scan(&status); err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrClaimLost
		}
		return "", fmt.Errorf("fail domain: %w", err)
	}
	return status, nil
}

// ResetStuck reverts every processing domain whose claim deadline passed.
// Only the guardian calls it.
func (q *Queue) ResetStuck(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE domains SET
			status = 'pending',
			claim_holder = NULL,
			claim_deadline = NULL,
			updated_at = now()
		WHERE status = 'processing' AND claim_deadline < now()`)
	if err != nil {
		return 0, fmt.Errorf("reset stuck domains: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Reopen forces a domain back to pending regardless of status, clearing the
// attempt counter. This is the single primitive for reprocessing a slice of
// the tensor; nothing else mutates status out of band.
func (q *Queue) Reopen(ctx context.Context, domainID uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE domains SET
			status = 'pending',
			attempt_count = 0,
			last_error = NULL,
			claim_holder = NULL,
			claim_deadline = NULL,
			next_attempt_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		domainID)
	if err != nil {
		return fmt.Errorf("reopen domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reopen domain: %s not found", domainID)
	}
	return nil
}

// PendingCount reports domains currently claimable or waiting out a backoff.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM domains WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// InsertDomains seeds hostnames as pending rows. Hostnames are case-folded;
// duplicates are ignored. Returns the number actually inserted.
func (q *Queue) InsertDomains(ctx context.Context, hosts []string, source string) (int64, error) {
	var inserted int64
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		tag, err := q.pool.Exec(ctx, `
			INSERT INTO domains (id, domain, source)
			VALUES ($1, $2, $3)
			ON CONFLICT (domain) DO NOTHING`,
			uuid.New(), h, source)
		if err != nil {
			return inserted, fmt.Errorf("insert domain %s: %w", h, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// CompletedSince lists domains marked completed within the window, for the
// guardian's cell repair pass.
func (q *Queue) CompletedSince(ctx context.Context, since time.Time) ([]Domain, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+domainColumns+`
		FROM domains
		WHERE status = 'completed' AND last_processed_at >= $1`,
		since)
	if err != nil {
		return nil, fmt.Errorf("list completed domains: %w", err)
	}
	defer rows.Close()
	return scanDomains(rows)
}

func scanDomains(rows pgx.Rows) ([]Domain, error) {
	var out []Domain
	for rows.Next() {
		var d Domain
		if err := rows.Scan(
			&d.ID, &d.Host, &d.Status, &d.Source, &d.CreatedAt, &d.UpdatedAt,
			&d.LastProcessedAt, &d.AttemptCount, &d.LastError, &d.ClaimHolder, &d.ClaimDeadline,
		); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return out, nil
}
