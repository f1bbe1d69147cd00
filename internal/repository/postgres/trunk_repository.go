package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
)

// TrunkRepository implements repository.TrunkRepository using PostgreSQL.
type TrunkRepository struct {
	db *sqlx.DB
}

// NewTrunkRepository constructs a new repository.
func NewTrunkRepository(db *sqlx.DB) *TrunkRepository {
	return &TrunkRepository{db: db}
}

type trunkRecord struct {
	ID           uuid.UUID  `db:"id"`
	Name         string     `db:"name"`
	SIPUsername  string     `db:"sip_username"`
	Provider     string     `db:"provider"`
	IsPrimary    bool       `db:"is_primary"`
	Priority     int        `db:"priority"`
	MaxChannels  int        `db:"max_channels"`
	CurrentCalls int        `db:"current_calls"`
	TotalCalls   int64      `db:"total_calls"`
	FailedCalls  int64      `db:"failed_calls"`
	LastError    *string    `db:"last_error"`
	LastErrorAt  *time.Time `db:"last_error_at"`
	IsActive     bool       `db:"is_active"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r trunkRecord) toDomain() domain.Trunk {
	return domain.Trunk{
		ID:           r.ID,
		Name:         r.Name,
		SIPUsername:  r.SIPUsername,
		Provider:     r.Provider,
		IsPrimary:    r.IsPrimary,
		Priority:     r.Priority,
		MaxChannels:  r.MaxChannels,
		CurrentCalls: r.CurrentCalls,
		TotalCalls:   r.TotalCalls,
		FailedCalls:  r.FailedCalls,
		LastError:    r.LastError,
		LastErrorAt:  r.LastErrorAt,
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const trunkColumns = `id, name, sip_username, provider, is_primary, priority,
	max_channels, current_calls, total_calls, failed_calls,
	last_error, last_error_at, is_active, created_at, updated_at`

// Get fetches a trunk by id.
func (r *TrunkRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Trunk, error) {
	q := `SELECT ` + trunkColumns + ` FROM trunks WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record trunkRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("trunk repo: get: %w", err)
	}

	trunk := record.toDomain()
	return &trunk, nil
}

// ListActiveOrdered returns active trunks in fallback candidate order.
func (r *TrunkRepository) ListActiveOrdered(ctx context.Context) ([]domain.Trunk, error) {
	q := `SELECT ` + trunkColumns + ` FROM trunks
	 WHERE is_active = TRUE
	 ORDER BY is_primary DESC, priority DESC, created_at ASC`

	rows, err := r.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("trunk repo: list: %w", err)
	}
	defer rows.Close()

	var trunks []domain.Trunk
	for rows.Next() {
		var record trunkRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("trunk repo: scan: %w", err)
		}
		trunks = append(trunks, record.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trunk repo: rows: %w", err)
	}
	return trunks, nil
}

// RecordSuccess bumps the usage counters after a successful origination.
func (r *TrunkRepository) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE trunks SET
		total_calls = total_calls + 1,
		current_calls = current_calls + 1,
		updated_at = $2
	 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("trunk repo: record success: %w", err)
	}
	return checkAffected(res)
}

// RecordFailure bumps the failure counter, stores the last error and appends
// a row to the failure history, atomically.
func (r *TrunkRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC()
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `UPDATE trunks SET
			failed_calls = failed_calls + 1,
			last_error = $2,
			last_error_at = $3,
			updated_at = $3
		 WHERE id = $1`

		res, err := tx.ExecContext(ctx, q, id, reason, now)
		if err != nil {
			return fmt.Errorf("trunk repo: record failure: %w", err)
		}
		if err := checkAffected(res); err != nil {
			return err
		}

		hq := `INSERT INTO trunk_failures (id, trunk_id, error, occurred_at)
		 VALUES ($1, $2, $3, $4)`
		if _, err := tx.ExecContext(ctx, hq, uuid.New(), id, reason, now); err != nil {
			return fmt.Errorf("trunk repo: append failure history: %w", err)
		}
		return nil
	})
}

// ListFailures returns the most recent failure history rows for a trunk.
func (r *TrunkRepository) ListFailures(ctx context.Context, id uuid.UUID, limit int) ([]domain.TrunkFailure, error) {
	q := `SELECT trunk_id, error, occurred_at FROM trunk_failures
	 WHERE trunk_id = $1 ORDER BY occurred_at DESC LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, id, limit)
	if err != nil {
		return nil, fmt.Errorf("trunk repo: list failures: %w", err)
	}
	defer rows.Close()

	var failures []domain.TrunkFailure
	for rows.Next() {
		var f struct {
			TrunkID    uuid.UUID `db:"trunk_id"`
			Error      string    `db:"error"`
			OccurredAt time.Time `db:"occurred_at"`
		}
		if err := rows.StructScan(&f); err != nil {
			return nil, fmt.Errorf("trunk repo: failure scan: %w", err)
		}
		failures = append(failures, domain.TrunkFailure{
			TrunkID:   f.TrunkID,
			Error:     f.Error,
			Timestamp: f.OccurredAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trunk repo: failure rows: %w", err)
	}
	return failures, nil
}

// ReleaseCall decrements the active-call counter when a call terminates.
func (r *TrunkRepository) ReleaseCall(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE trunks SET
		current_calls = GREATEST(current_calls - 1, 0),
		updated_at = $2
	 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("trunk repo: release call: %w", err)
	}
	return checkAffected(res)
}

// Stats aggregates per-trunk outcomes.
func (r *TrunkRepository) Stats(ctx context.Context) ([]domain.TrunkStats, error) {
	q := `SELECT id, name, total_calls, failed_calls, last_error, last_error_at
	  FROM trunks WHERE is_active = TRUE
	 ORDER BY is_primary DESC, priority DESC`

	rows, err := r.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("trunk repo: stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.TrunkStats
	for rows.Next() {
		var s struct {
			ID          uuid.UUID  `db:"id"`
			Name        string     `db:"name"`
			TotalCalls  int64      `db:"total_calls"`
			FailedCalls int64      `db:"failed_calls"`
			LastError   *string    `db:"last_error"`
			LastErrorAt *time.Time `db:"last_error_at"`
		}
		if err := rows.StructScan(&s); err != nil {
			return nil, fmt.Errorf("trunk repo: stats scan: %w", err)
		}
		rate := 0.0
		if s.TotalCalls > 0 {
			rate = float64(s.TotalCalls-s.FailedCalls) / float64(s.TotalCalls) * 100
		}
		stats = append(stats, domain.TrunkStats{
			TrunkID:     s.ID,
			Name:        s.Name,
			TotalCalls:  s.TotalCalls,
			FailedCalls: s.FailedCalls,
			SuccessRate: rate,
			LastError:   s.LastError,
			LastErrorAt: s.LastErrorAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trunk repo: stats rows: %w", err)
	}
	return stats, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("trunk repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
