package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome of a stored response row.
const (
	OutcomeOK             = "ok"
	OutcomePermanentError = "permanent_error"
)

// MinuteBucket truncates a timestamp to whole minutes. It is the write-dedup
// primitive: re-runs within the same minute collapse onto the same row id.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// RowID derives the deterministic primary key for a tensor cell write.
func RowID(domainID uuid.UUID, promptID, model string, at time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d",
		domainID, promptID, model, MinuteBucket(at).Unix())))
	return hex.EncodeToString(h[:])
}

// CellKey identifies one (prompt, model) cell of a domain's tensor slice.
func CellKey(promptID, model string) string { return promptID + "|" + model }

// ResponseRow is the normalized unit of output. Rows are never updated.
type ResponseRow struct {
	ID        string
	DomainID  uuid.UUID
	Model     string
	PromptID  string
	Response  string
	TokensIn  *int
	TokensOut *int
	LatencyMS int
	KeyIndex  int
	Attempt   int
	Outcome   string
	CreatedAt time.Time
}

// ModelErrorRate is one row of the guardian's quality audit query.
type ModelErrorRate struct {
	Model     string
	Total     int64
	Permanent int64
}

// Responses is the append-only sink for normalized response rows.
type Responses struct {
	pool *pgxpool.Pool
}

func NewResponses(pool *pgxpool.Pool) *Responses {
	return &Responses{pool: pool}
}

// Insert writes a row with insert-if-absent semantics. A duplicate within
// the same minute-bucket is silently dropped and reported as inserted=false.
// The store never retries; small retry budgets live with the caller.
func (r *Responses) Insert(ctx context.Context, row ResponseRow) (inserted bool, err error) {
	if row.ID == "" {
		row.ID = RowID(row.DomainID, row.PromptID, row.Model, time.Now())
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO domain_responses
			(id, domain_id, model, prompt_id, response, tokens_in, tokens_out,
			 latency_ms, key_index, attempt, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, row.DomainID, row.Model, row.PromptID, row.Response,
		row.TokensIn, row.TokensOut, row.LatencyMS, row.KeyIndex, row.Attempt, row.Outcome)
	if err != nil {
		return false, fmt.Errorf("insert response row: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SettledCells returns the (prompt, model) cells of a domain that already
// hold a row within the window, keyed by CellKey, with the row outcome as
// value. Both ok and permanent_error rows settle a cell: neither is
// re-issued within the window.
func (r *Responses) SettledCells(ctx context.Context, domainID uuid.UUID, since time.Time) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (prompt_id, model) prompt_id, model, outcome
		FROM domain_responses
		WHERE domain_id = $1 AND created_at >= $2
		ORDER BY prompt_id, model, created_at DESC`,
		domainID, since)
	if err != nil {
		return nil, fmt.Errorf("query settled cells: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var promptID, model, outcome string
		if err := rows.Scan(&promptID, &model, &outcome); err != nil {
			return nil, fmt.Errorf("scan settled cell: %w", err)
		}
		out[CellKey(promptID, model)] = outcome
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settled cells: %w", err)
	}
	return out, nil
}

// ErrorRates aggregates recent rows per model for the quality audit.
func (r *Responses) ErrorRates(ctx context.Context, since time.Time) ([]ModelErrorRate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT model,
		       count(*) AS total,
		       count(*) FILTER (WHERE outcome = 'permanent_error') AS permanent
		FROM domain_responses
		WHERE created_at >= $1
		GROUP BY model`,
		since)
	if err != nil {
		return nil, fmt.Errorf("query error rates: %w", err)
	}
	defer rows.Close()

	var out []ModelErrorRate
	for rows.Next() {
		var m ModelErrorRate
		if err := rows.Scan(&m.Model, &m.Total, &m.Permanent); err != nil {
			return nil, fmt.Errorf("scan error rate: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error rates: %w", err)
	}
	return out, nil
}

// DeleteCell removes the rows of one cell within the window. Maintenance
// only: forcing a reprocess is DeleteCell followed by Queue.Reopen.
func (r *Responses) DeleteCell(ctx context.Context, domainID uuid.UUID, promptID, model string, since time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM domain_responses
		WHERE domain_id = $1 AND prompt_id = $2 AND model = $3 AND created_at >= $4`,
		domainID, promptID, model, since)
	if err != nil {
		return 0, fmt.Errorf("delete cell rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
