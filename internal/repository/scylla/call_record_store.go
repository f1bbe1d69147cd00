package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
)

// CallRecordStore persists origination attempts and finished calls in Scylla.
// Both tables are append-only and partitioned by a daily bucket.
type CallRecordStore struct {
	session *gocql.Session
}

// NewCallRecordStore creates a new store.
func NewCallRecordStore(session *gocql.Session) *CallRecordStore {
	return &CallRecordStore{session: session}
}

// RecordAttempt appends one per-trunk origination attempt.
func (s *CallRecordStore) RecordAttempt(ctx context.Context, attempt domain.OriginationAttempt) error {
	at := attempt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO attempts_by_trunk (trunk_id, bucket, at, trunk_name, success, external_id, error, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.TrunkID.String(), bucketDate(at), at, attempt.TrunkName, attempt.Success,
		attempt.ExternalID, attempt.Error, attempt.Latency.Milliseconds(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call record store: insert attempt: %w", err)
	}
	return nil
}

// RecordFinal appends the terminal record for a finished call.
func (s *CallRecordStore) RecordFinal(ctx context.Context, record repository.FinalCallRecord) error {
	at := record.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO calls_by_day (bucket, external_id, trunk_id, state, duration_s, cause, cost, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bucketDate(at), record.ExternalID, record.TrunkID.String(), string(record.State),
		record.DurationSeconds, record.Cause, record.Cost, at,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call record store: insert final: %w", err)
	}
	return nil
}

// ListCallsByDay returns finished calls for one daily bucket.
func (s *CallRecordStore) ListCallsByDay(ctx context.Context, day time.Time, limit int) ([]repository.FinalCallRecord, error) {
	iter := s.session.Query(`SELECT external_id, trunk_id, state, duration_s, cause, cost, occurred_at
		FROM calls_by_day WHERE bucket = ? LIMIT ?`,
		bucketDate(day), limit,
	).WithContext(ctx).Iter()

	var (
		records    []repository.FinalCallRecord
		externalID string
		trunkIDStr string
		state      string
		durationS  int64
		cause      int
		cost       float64
		occurredAt time.Time
	)
	for iter.Scan(&externalID, &trunkIDStr, &state, &durationS, &cause, &cost, &occurredAt) {
		record := repository.FinalCallRecord{
			ExternalID:      externalID,
			State:           domain.CallState(state),
			DurationSeconds: durationS,
			Cause:           cause,
			Cost:            cost,
			OccurredAt:      occurredAt,
		}
		if id, err := uuid.Parse(trunkIDStr); err == nil {
			record.TrunkID = id
		}
		records = append(records, record)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call record store: list calls: %w", err)
	}
	return records, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
