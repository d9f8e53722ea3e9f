package persistence

import (
	"PerpVault/internal/core"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes commands, events and journals to Postgres using
// multi-row INSERTs. Every write is idempotent on a key the processor
// assigns deterministically, so a retried or replayed batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandID      string
	CommandType    string
	Partition      string
	SourceSequence int64
	Caller         string
	Payload        []byte // JSON-encoded command
	Status         string
	Error          string
	StateHash      []byte
	Timestamp      time.Time
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventID   string
	CommandID string
	EventType string
	AssetID   string
	Payload   []byte // JSON-encoded event payload
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64 // ledger batch sequence
	EntryIndex    int   // position within the batch
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one processor output into table rows.
func RowsFromOutput(out core.CoreOutput) (CommandRow, []EventRow, []JournalRow) {
	cmd := CommandRow{
		Sequence:       out.Command.Sequence,
		CommandID:      out.Command.CommandID,
		CommandType:    out.Command.CommandType.String(),
		Partition:      out.Command.Partition,
		SourceSequence: out.Command.SourceSequence,
		Caller:         out.Command.Caller,
		Payload:        out.Command.Payload,
		Status:         out.Command.Status,
		Error:          out.Command.Error,
		StateHash:      hashBytes(out.Command.StateHash),
		Timestamp:      out.Command.Timestamp,
	}

	events := make([]EventRow, 0, len(out.Envelopes))
	for _, env := range out.Envelopes {
		events = append(events, EventRow{
			Sequence:  env.Sequence,
			EventID:   env.EventID.String(),
			CommandID: env.CommandID,
			EventType: env.EventType.String(),
			AssetID:   env.AssetID,
			Payload:   env.Payload,
			StateHash: hashBytes(env.StateHash),
			PrevHash:  hashBytes(env.PrevHash),
			Timestamp: env.Timestamp,
		})
	}

	var journals []JournalRow
	for _, b := range out.Batches {
		for i, j := range b.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				EntryIndex:    i,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return cmd, events, journals
}

func hashBytes(h [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}

// HexHash renders a stored hash for logs and APIs.
func HexHash(b []byte) string {
	return hex.EncodeToString(b)
}

// placeholders builds "($1, $2, ...), (...)" for rows of width columns.
func placeholders(rows, width int) string {
	values := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		cols := make([]string, width)
		for c := 0; c < width; c++ {
			cols[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		values = append(values, "("+strings.Join(cols, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(commands)*11)
	for _, c := range commands {
		args = append(args,
			c.Sequence, c.CommandID, c.CommandType, c.Partition, c.SourceSequence,
			c.Caller, c.Payload, c.Status, c.Error, c.StateHash, c.Timestamp,
		)
	}

	query := `INSERT INTO event_log.commands
		(sequence, command_id, command_type, partition, source_sequence, caller, payload, status, error, state_hash, timestamp)
		VALUES ` + placeholders(len(commands), 11) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)*9)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventID, e.CommandID, e.EventType, e.AssetID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, command_id, event_type, asset_id, payload, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), 9) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*11)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.EntryIndex,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, entry_index, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 11) +
		` ON CONFLICT (sequence, entry_index) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
