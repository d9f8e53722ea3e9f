package projection

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"time"
)

// Position status values in projections.positions
const (
	PositionOpen       = "open"
	PositionClosed     = "closed"
	PositionLiquidated = "liquidated"
)

const (
	watermarkName   = "main"
	projectionLabel = "vault"
)

// Invalidator drops cached read models after a projection write.
type Invalidator interface {
	InvalidateAsset(ctx context.Context, asset string) error
	InvalidateAccount(ctx context.Context, account string) error
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop; if projections fall
// behind they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	funding   *FundingHistoryProjection
	cache     Invalidator // optional
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	funding *FundingHistoryProjection,
	cache Invalidator,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		funding:   funding,
		cache:     cache,
		metrics:   metrics,
	}
}

// LastSequence is the last command sequence projected.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// eventually consistent; RebuildProjections repairs gaps
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Command.Sequence, err)
				continue
			}
			pw.observe(start)
			pw.lastSeq = output.Command.Sequence
		}
	}
}

func (pw *ProjectionWorker) observe(start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projectionLabel).Observe(time.Since(start).Seconds())
	}
}

// touched collects what a command changed, for cache invalidation
type touched struct {
	assets   map[string]struct{}
	accounts map[string]struct{}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Command.Sequence
	ts := output.Command.Timestamp

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t := touched{assets: map[string]struct{}{}, accounts: map[string]struct{}{}}

	for _, pool := range output.Pools {
		if err := upsertPool(ctx, tx, pool, seq, ts); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
		t.assets[pool.Asset] = struct{}{}
	}

	for _, env := range output.Envelopes {
		e, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return err
		}
		if err := pw.applyEvent(ctx, tx, e, env.Sequence, seq, ts, &t); err != nil {
			return fmt.Errorf("%s projection: %w", env.EventType, err)
		}
	}

	if err := writeWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.invalidate(ctx, t)
	return nil
}

// applyEvent projects one event. seq is the command sequence, eventSeq the
// event's own sequence.
func (pw *ProjectionWorker) applyEvent(ctx context.Context, ex execer, e event.Event, eventSeq, seq int64, ts time.Time, t *touched) error {
	switch ev := e.(type) {
	case *event.IncreasePosition:
		t.accounts[ev.Account] = struct{}{}
		return upsertPosition(ctx, ex, ev.PositionRef, ev.Post, PositionOpen, seq, ts)

	case *event.DecreasePosition:
		t.accounts[ev.Account] = struct{}{}
		return upsertPosition(ctx, ex, ev.PositionRef, ev.Post, PositionOpen, seq, ts)

	case *event.ClosePosition:
		t.accounts[ev.Account] = struct{}{}
		return upsertPosition(ctx, ex, ev.PositionRef, ev.Final, PositionClosed, seq, ts)

	case *event.LiquidatePosition:
		t.accounts[ev.Account] = struct{}{}
		status := PositionLiquidated
		if ev.Soft {
			status = PositionClosed
		}
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.positions
			SET status = $2, size = 0, collateral = 0, reserve_amount = 0,
			    last_sequence = $3, updated_at = $4
			WHERE position_key = $1
		`, ev.Key, status, seq, ts)
		return err

	case *event.UpdateFundingRate:
		if ev.Started {
			return nil
		}
		if pw.funding != nil {
			pw.funding.AddEntry(FundingHistoryEntry{
				Sequence:              eventSeq,
				Asset:                 ev.Asset,
				Intervals:             ev.Intervals,
				RateDelta:             ev.RateDelta,
				CumulativeFundingRate: ev.CumulativeFundingRate,
				LastFundingTime:       ev.LastFundingTime,
			})
		}
		t.assets[ev.Asset] = struct{}{}
		_, err := ex.ExecContext(ctx, `
			INSERT INTO projections.funding_history
				(sequence, asset_id, intervals, rate_delta, cumulative_funding_rate, last_funding_time)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (sequence, asset_id) DO NOTHING
		`, eventSeq, ev.Asset, ev.Intervals, numeric(ev.RateDelta), numeric(ev.CumulativeFundingRate), ev.LastFundingTime)
		return err
	}
	// pool flows are covered by the post-command pool states
	return nil
}

func (pw *ProjectionWorker) invalidate(ctx context.Context, t touched) {
	if pw.cache == nil {
		return
	}
	for asset := range t.assets {
		if err := pw.cache.InvalidateAsset(ctx, asset); err != nil {
			log.Printf("WARN: cache invalidation failed asset=%s: %v", asset, err)
		}
	}
	for account := range t.accounts {
		if err := pw.cache.InvalidateAccount(ctx, account); err != nil {
			log.Printf("WARN: cache invalidation failed account=%s: %v", account, err)
		}
	}
}

func upsertPool(ctx context.Context, ex execer, p *state.PoolState, seq int64, ts time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.pools
			(asset_id, pool_amount, reserved_amount, buffer_amount, fee_reserves, stable_unit_debt,
			 guaranteed_usd, global_short_size, global_short_average_price, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (asset_id) DO UPDATE SET
			pool_amount = $2, reserved_amount = $3, buffer_amount = $4, fee_reserves = $5,
			stable_unit_debt = $6, guaranteed_usd = $7, global_short_size = $8,
			global_short_average_price = $9, last_sequence = $10, updated_at = $11
		WHERE projections.pools.last_sequence <= $10
	`, p.Asset, numeric(p.PoolAmount), numeric(p.ReservedAmount), numeric(p.BufferAmount),
		numeric(p.FeeReserves), numeric(p.StableUnitDebt), numeric(p.GuaranteedUsd),
		numeric(p.GlobalShortSize), numeric(p.GlobalShortAveragePrice), seq, ts)
	return err
}

func upsertPosition(ctx context.Context, ex execer, ref event.PositionRef, ps event.PositionState, status string, seq int64, ts time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.positions
			(position_key, account, collateral_asset, index_asset, is_long, size, collateral,
			 average_price, entry_funding_rate, reserve_amount, realised_pnl, status, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (position_key) DO UPDATE SET
			size = $6, collateral = $7, average_price = $8, entry_funding_rate = $9,
			reserve_amount = $10, realised_pnl = $11, status = $12, last_sequence = $13, updated_at = $14
	`, ref.Key, ref.Account, ref.CollateralAsset, ref.IndexAsset, ref.IsLong,
		numeric(ps.Size), numeric(ps.Collateral), numeric(ps.AveragePrice),
		numeric(ps.EntryFundingRate), numeric(ps.ReserveAmount), numeric(ps.RealisedPnl),
		status, seq, ts)
	return err
}

func writeWatermark(ctx context.Context, ex execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, seq)
	return err
}

// Lagging reports whether the projection watermark is behind the last
// persisted command that emitted events, e.g. after outputs were dropped or
// the process died between the event log and projection writes.
func Lagging(ctx context.Context, db *sql.DB) (bool, error) {
	var watermark, head sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT last_sequence FROM projections.watermarks WHERE projection_name = $1),
			(SELECT MAX(c.sequence)
			   FROM event_log.commands c
			   JOIN event_log.events e ON e.command_id = c.command_id
			  WHERE c.status = 'applied')
	`, watermarkName).Scan(&watermark, &head)
	if err != nil {
		return false, fmt.Errorf("read watermark: %w", err)
	}
	if !head.Valid {
		return false, nil
	}
	return watermark.Int64 < head.Int64, nil
}

// numeric renders a big.Int for a NUMERIC(78,0) column
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// RebuildProjections truncates the projection tables and replays every
// persisted event into them. Pool rows are rebuilt from the event payloads
// that carry pool totals; buffer and short tracking columns catch up on the
// next live command. Rebuilt rows carry the command log's last sequence.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	var watermark sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&watermark); err != nil {
		return fmt.Errorf("read command log: %w", err)
	}

	truncateStatements := []string{
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.funding_history`,
		`DELETE FROM projections.watermarks WHERE projection_name = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	worker := &ProjectionWorker{}
	seq := watermark.Int64
	count := 0
	for rows.Next() {
		var (
			eventSeq int64
			typeName string
			payload  []byte
			ts       time.Time
		)
		if err := rows.Scan(&eventSeq, &typeName, &payload, &ts); err != nil {
			return err
		}
		et, err := event.ParseEventType(typeName)
		if err != nil {
			return err
		}
		e, err := event.Decode(et, payload)
		if err != nil {
			return err
		}
		t := touched{assets: map[string]struct{}{}, accounts: map[string]struct{}{}}
		if err := worker.applyEvent(ctx, tx, e, eventSeq, seq, ts, &t); err != nil {
			return fmt.Errorf("replay event=%d: %w", eventSeq, err)
		}
		if err := rebuildPoolTotals(ctx, tx, e, seq, ts); err != nil {
			return fmt.Errorf("replay event=%d: %w", eventSeq, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if err := writeWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete (events=%d, last_seq=%d)", count, seq)
	return nil
}

func rebuildPoolTotals(ctx context.Context, ex execer, e event.Event, seq int64, ts time.Time) error {
	switch ev := e.(type) {
	case *event.BuyStableUnit:
		return upsertPoolTotals(ctx, ex, ev.Asset, ev.Pool, seq, ts)
	case *event.SellStableUnit:
		return upsertPoolTotals(ctx, ex, ev.Asset, ev.Pool, seq, ts)
	case *event.Swap:
		if err := upsertPoolTotals(ctx, ex, ev.AssetIn, ev.PoolIn, seq, ts); err != nil {
			return err
		}
		return upsertPoolTotals(ctx, ex, ev.AssetOut, ev.PoolOut, seq, ts)
	}
	return nil
}

func upsertPoolTotals(ctx context.Context, ex execer, asset string, p event.PoolTotals, seq int64, ts time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.pools
			(asset_id, pool_amount, reserved_amount, fee_reserves, stable_unit_debt, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_id) DO UPDATE SET
			pool_amount = $2, reserved_amount = $3, fee_reserves = $4, stable_unit_debt = $5,
			last_sequence = $6, updated_at = $7
	`, asset, numeric(p.PoolAmount), numeric(p.ReservedAmount), numeric(p.FeeReserves),
		numeric(p.StableUnitDebt), seq, ts)
	return err
}
