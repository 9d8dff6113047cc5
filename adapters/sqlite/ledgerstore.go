package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/worldloom/gatekeeper/domain/usage"
	"github.com/worldloom/gatekeeper/ports"
)

// sqliteTimeFormat stores timestamps as UTC ISO8601 for consistent range
// comparison.
const sqliteTimeFormat = "2006-01-02 15:04:05.999999999"

// LedgerStore implements ports.LedgerStore using SQLite. Rows are only
// ever inserted; concurrent writers never conflict.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new SQLite ledger store.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Append stores one immutable usage record.
func (s *LedgerStore) Append(ctx context.Context, rec usage.Record) error {
	metadata := "{}"
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, user_id, operation, model, provider,
			prompt_tokens, completion_tokens, cost_usd, currency,
			success, error, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Operation, rec.Model, rec.Provider,
		rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.Currency,
		rec.Success, rec.Error, metadata, rec.Timestamp.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// SumPeriod returns aggregated totals for a user within [start, end).
func (s *LedgerStore) SumPeriod(ctx context.Context, userID string, start, end time.Time) (usage.PeriodTotals, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
	`, userID, start.UTC().Format(sqliteTimeFormat), end.UTC().Format(sqliteTimeFormat))

	var totals usage.PeriodTotals
	if err := row.Scan(&totals.Requests, &totals.CostUSD); err != nil {
		return usage.PeriodTotals{}, fmt.Errorf("sum usage period: %w", err)
	}
	return totals, nil
}

// Recent returns the most recent records for a user, newest first.
func (s *LedgerStore) Recent(ctx context.Context, userID string, limit int) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, operation, model, provider,
		       prompt_tokens, completion_tokens, cost_usd, currency,
		       success, error, metadata, timestamp
		FROM usage_records
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		var (
			rec      usage.Record
			metadata string
			ts       string
		)
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Operation, &rec.Model, &rec.Provider,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.CostUSD, &rec.Currency,
			&rec.Success, &rec.Error, &metadata, &ts,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}

		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		rec.Timestamp, err = time.ParseInLocation(sqliteTimeFormat, ts, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Cleanup removes records older than the given time.
func (s *LedgerStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_records WHERE timestamp < ?
	`, olderThan.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("cleanup usage records: %w", err)
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
