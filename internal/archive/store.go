// Package archive persists execution outcomes to Postgres for
// historical queries the authoritative KV store does not serve
// (spec.md §6 only retains outcomes as long as the receipt/result
// columns do). Grounded on the teacher's pkg/database client+repository
// pair (database/sql over lib/pq, connection pooling, parameterized
// queries, google/uuid correlation ids), narrowed from proof-artifact
// records to execution outcomes.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/shardnet/node/internal/types"
)

// Store is a connection-pooled archive sink. A nil *Store is valid and
// every method on it is a no-op, so callers can wire archival in only
// when ArchiveEnabled is set without branching at every call site.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and verifies it is reachable. Grounds
// the pool sizing the teacher's database.Client uses.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOutcome archives one action receipt's execution outcome,
// keyed by the receipt id it resulted from.
func (s *Store) RecordOutcome(ctx context.Context, receiptID types.Hash, shardID uint64, blockHeight uint64, outcome types.ExecutionOutcome) error {
	if s == nil {
		return nil
	}
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_outcomes (
			outcome_id, receipt_id, shard_id, block_height,
			success, gas_burnt, logs, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (receipt_id) DO NOTHING`,
		id, receiptID.String(), shardID, blockHeight,
		outcome.Success, outcome.GasBurnt, logsToText(outcome.Logs), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record execution outcome %s: %w", receiptID, err)
	}
	return nil
}

// OutcomeByReceipt looks up a previously archived outcome, used by
// RPC-style queries for receipts the KV store has since pruned.
func (s *Store) OutcomeByReceipt(ctx context.Context, receiptID types.Hash) (*types.ExecutionOutcome, error) {
	if s == nil {
		return nil, fmt.Errorf("archive: not configured")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT success, gas_burnt, logs
		FROM execution_outcomes
		WHERE receipt_id = $1`, receiptID.String())

	var out types.ExecutionOutcome
	var logs string
	if err := row.Scan(&out.Success, &out.GasBurnt, &logs); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no archived outcome for %s", receiptID)
		}
		return nil, fmt.Errorf("query archived outcome %s: %w", receiptID, err)
	}
	out.Logs = textToLogs(logs)
	return &out, nil
}

func logsToText(logs []string) string {
	out := ""
	for i, l := range logs {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func textToLogs(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out = append(out, text[start:i])
			start = i + 1
		}
	}
	out = append(out, text[start:])
	return out
}
