package persistence

import (
	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads processor snapshots for recovery.
// A snapshot holds the vault state, the token ledger, oracle quotes,
// permissions, partition sequences, recent idempotency keys and the hash
// chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// snapshotFormatVersion 1: JSON-encoded core.SnapshotState
const snapshotFormatVersion = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, unverified. It returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, hashBytes(snap.StateHash), snapshotFormatVersion, len(data), createdAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after it restored cleanly.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// ReplayRecord is a command log row decoded for replay
type ReplayRecord struct {
	Sequence  int64
	Status    string
	StateHash [32]byte
	Command   command.Command
}

// LoadCommandsFrom loads recorded commands with sequence >= fromSequence for
// replay. Rejected commands are included: they consumed a sequence and
// replay rejects them again.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]ReplayRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, payload, status, state_hash
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ReplayRecord
	for rows.Next() {
		var (
			rec      ReplayRecord
			typeName string
			payload  []byte
			hash     []byte
		)
		if err := rows.Scan(&rec.Sequence, &typeName, &payload, &rec.Status, &hash); err != nil {
			return nil, err
		}
		t, err := command.ParseType(typeName)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", rec.Sequence, err)
		}
		if rec.Command, err = command.Decode(t, payload); err != nil {
			return nil, fmt.Errorf("command %d: %w", rec.Sequence, err)
		}
		copy(rec.StateHash[:], hash)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentCommandKeys returns composite idempotency keys of the newest
// commands, most recent first, for warming the LRU on a cold start.
func (sm *SnapshotManager) RecentCommandKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_type, command_id
		FROM event_log.commands
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var t, id string
		if err := rows.Scan(&t, &id); err != nil {
			return nil, err
		}
		keys = append(keys, t+":"+id)
	}
	return keys, rows.Err()
}
