package query

import (
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/projection"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// ErrNoDatabase is returned by history queries when the service runs
// without a Postgres connection.
var ErrNoDatabase = errors.New("query: no database configured")

const usdPlaces = 6

// QueryService provides read-only access to the vault. Live state (pools,
// positions, AUM, funding) is read from the vault under its lock; history
// (closed positions, funding steps, journals, commands) is read from the
// projection and event log tables. History responses carry as_of_sequence.
type QueryService struct {
	db      *sql.DB // optional
	vault   *vault.Vault
	tokens  *ledger.TokenLedger
	funding *projection.FundingHistoryProjection // optional
}

func NewQueryService(db *sql.DB, v *vault.Vault, tokens *ledger.TokenLedger, funding *projection.FundingHistoryProjection) *QueryService {
	return &QueryService{db: db, vault: v, tokens: tokens, funding: funding}
}

// --- live state ---

// GetPool returns an asset's pool state.
func (qs *QueryService) GetPool(ctx context.Context, asset string) (*PoolResponse, error) {
	a, err := qs.vault.Asset(asset)
	if err != nil {
		return nil, err
	}
	p, err := qs.vault.Pool(asset)
	if err != nil {
		return nil, err
	}
	util, err := qs.vault.GetUtilisation(asset)
	if err != nil {
		return nil, err
	}
	target, err := qs.vault.GetTargetStableUnitAmount(asset)
	if err != nil {
		return nil, err
	}

	return &PoolResponse{
		Asset:                   a.ID,
		Decimals:                a.Decimals,
		IsStable:                a.IsStable,
		IsShortable:             a.IsShortable,
		Weight:                  a.Weight,
		PoolAmount:              fpmath.FormatToken(p.PoolAmount, a.Decimals),
		ReservedAmount:          fpmath.FormatToken(p.ReservedAmount, a.Decimals),
		BufferAmount:            fpmath.FormatToken(p.BufferAmount, a.Decimals),
		FeeReserves:             fpmath.FormatToken(p.FeeReserves, a.Decimals),
		StableUnitDebt:          fpmath.FormatToken(p.StableUnitDebt, fpmath.StableUnitDecimals),
		MaxStableUnitAmount:     fpmath.FormatToken(a.MaxStableUnitAmount, fpmath.StableUnitDecimals),
		GuaranteedUsd:           fpmath.FormatUSD(p.GuaranteedUsd, usdPlaces),
		GlobalShortSize:         fpmath.FormatUSD(p.GlobalShortSize, usdPlaces),
		GlobalShortAveragePrice: fpmath.FormatUSD(p.GlobalShortAveragePrice, usdPlaces),
		Utilisation:             fpmath.ToDecimal(util, fpmath.FundingConfig.DecimalPrecision).String(),
		TargetStableUnitAmount:  fpmath.FormatToken(target, fpmath.StableUnitDecimals),
	}, nil
}

// ListPools returns every whitelisted asset's pool.
func (qs *QueryService) ListPools(ctx context.Context) ([]*PoolResponse, error) {
	assets := qs.vault.Assets()
	out := make([]*PoolResponse, 0, len(assets))
	for _, a := range assets {
		p, err := qs.GetPool(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetAum returns the vault's AUM at min and max prices.
func (qs *QueryService) GetAum(ctx context.Context) (*AumResponse, error) {
	aumMin, err := qs.vault.GetAum(false)
	if err != nil {
		return nil, err
	}
	aumMax, err := qs.vault.GetAum(true)
	if err != nil {
		return nil, err
	}
	inStable, err := qs.vault.GetAumInStableUnits(true)
	if err != nil {
		return nil, err
	}
	return &AumResponse{
		AumMin:          fpmath.FormatUSD(aumMin, usdPlaces),
		AumMax:          fpmath.FormatUSD(aumMax, usdPlaces),
		AumInStableUnit: fpmath.FormatToken(inStable, fpmath.StableUnitDecimals),
		StableSupply:    fpmath.FormatToken(qs.vault.StableSupply(), fpmath.StableUnitDecimals),
	}, nil
}

// GetPosition returns an open position with its PnL, leverage and margin
// state at the current mark price.
func (qs *QueryService) GetPosition(ctx context.Context, key state.PositionKey) (*PositionResponse, error) {
	pos := qs.vault.GetPosition(key)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", state.ErrPositionNotFound, key)
	}
	resp := qs.positionResponse(pos)
	resp.Status = projection.PositionOpen

	delta, hasProfit, err := qs.vault.GetPositionDelta(key)
	if err == nil {
		resp.Delta = fpmath.FormatUSD(delta, usdPlaces)
		resp.HasProfit = hasProfit
	}
	if check, err := qs.vault.ValidateLiquidation(key, false); err == nil {
		resp.LiquidationState = check.Status.String()
	}
	return resp, nil
}

// GetOpenPositions returns an account's open positions from live state.
func (qs *QueryService) GetOpenPositions(ctx context.Context, account string) ([]*PositionResponse, error) {
	positions := qs.vault.Positions(account)
	out := make([]*PositionResponse, 0, len(positions))
	for _, pos := range positions {
		resp, err := qs.GetPosition(ctx, pos.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// GetLiquidationState returns the margin check for a position.
func (qs *QueryService) GetLiquidationState(ctx context.Context, key state.PositionKey) (*LiquidationResponse, error) {
	check, err := qs.vault.ValidateLiquidation(key, false)
	if err != nil {
		return nil, err
	}
	resp := &LiquidationResponse{
		Key:                 key.String(),
		State:               check.Status.String(),
		MarginFees:          fpmath.FormatUSD(check.MarginFees, usdPlaces),
		Delta:               fpmath.FormatUSD(check.Delta, usdPlaces),
		HasProfit:           check.HasProfit,
		RemainingCollateral: fpmath.FormatUSD(check.RemainingCollateral, usdPlaces),
	}
	if check.Err != nil {
		resp.Reason = check.Err.Error()
	}
	return resp, nil
}

// GetFunding returns an asset's funding accumulator and the rate the next
// update would accrue.
func (qs *QueryService) GetFunding(ctx context.Context, asset string) (*FundingResponse, error) {
	if _, err := qs.vault.Asset(asset); err != nil {
		return nil, err
	}
	acc := qs.vault.FundingAccumulator(asset)
	resp := &FundingResponse{
		Asset:                 asset,
		CumulativeFundingRate: "0",
		NextFundingRate:       formatFunding(qs.vault.NextFundingRate(asset)),
		FundingInterval:       qs.vault.Params().FundingInterval,
	}
	if acc != nil {
		resp.CumulativeFundingRate = formatFunding(acc.CumulativeFundingRate)
		resp.LastFundingTime = acc.LastFundingTime
	}
	return resp, nil
}

// GetBalance returns a holder's custody balance.
func (qs *QueryService) GetBalance(ctx context.Context, holder, asset string) (*BalanceResponse, error) {
	decimals := fpmath.StableUnitDecimals
	if a, err := qs.vault.Asset(asset); err == nil {
		decimals = a.Decimals
	} else if asset != qs.tokens.StableAsset() {
		return nil, err
	}
	return &BalanceResponse{
		Holder:  holder,
		Asset:   asset,
		Balance: fpmath.FormatToken(qs.tokens.BalanceOf(holder, asset), decimals),
	}, nil
}

func (qs *QueryService) positionResponse(pos *state.Position) *PositionResponse {
	resp := &PositionResponse{
		Key:              pos.Key.String(),
		Account:          pos.Key.Account,
		CollateralAsset:  pos.Key.CollateralAsset,
		IndexAsset:       pos.Key.IndexAsset,
		IsLong:           pos.Key.IsLong,
		Size:             fpmath.FormatUSD(pos.Size, usdPlaces),
		Collateral:       fpmath.FormatUSD(pos.Collateral, usdPlaces),
		AveragePrice:     fpmath.FormatUSD(pos.AveragePrice, usdPlaces),
		EntryFundingRate: formatFunding(pos.EntryFundingRate),
		ReserveAmount:    qs.formatAsset(pos.ReserveAmount, pos.Key.CollateralAsset),
		RealisedPnl:      fpmath.FormatUSD(pos.RealisedPnl, usdPlaces),
		Leverage:         "0",
		LastIncreased:    pos.LastIncreasedTime,
	}
	if pos.Collateral != nil && pos.Collateral.Sign() > 0 {
		resp.Leverage = fpmath.ToDecimal(pos.Leverage(), 4).String()
	}
	return resp
}

func (qs *QueryService) formatAsset(v *big.Int, asset string) string {
	a, err := qs.vault.Asset(asset)
	if err != nil {
		return v.String()
	}
	return fpmath.FormatToken(v, a.Decimals)
}

func formatFunding(v *big.Int) string {
	return fpmath.ToDecimal(v, fpmath.FundingConfig.DecimalPrecision).String()
}

// --- history ---

// GetPositionHistory returns every projected position of an account,
// including closed and liquidated ones.
func (qs *QueryService) GetPositionHistory(ctx context.Context, account string) ([]*PositionResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT collateral_asset, index_asset, is_long, size::TEXT, collateral::TEXT,
		       average_price::TEXT, entry_funding_rate::TEXT, reserve_amount::TEXT,
		       realised_pnl::TEXT, status
		FROM projections.positions
		WHERE account = $1
		ORDER BY last_sequence DESC
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*PositionResponse
	for rows.Next() {
		var (
			key                                        state.PositionKey
			size, collateral, avgPrice, entry, reserve string
			pnl, status                                string
		)
		key.Account = account
		if err := rows.Scan(
			&key.CollateralAsset, &key.IndexAsset, &key.IsLong, &size, &collateral,
			&avgPrice, &entry, &reserve, &pnl, &status,
		); err != nil {
			return nil, err
		}
		pos := &state.Position{
			Key:              key,
			Size:             parseNumeric(size),
			Collateral:       parseNumeric(collateral),
			AveragePrice:     parseNumeric(avgPrice),
			EntryFundingRate: parseNumeric(entry),
			ReserveAmount:    parseNumeric(reserve),
			RealisedPnl:      parseNumeric(pnl),
		}
		resp := qs.positionResponse(pos)
		resp.Status = status
		resp.AsOfSequence = asOfSeq
		positions = append(positions, resp)
	}
	return positions, rows.Err()
}

// GetFundingHistory returns funding steps for an asset, newest first,
// paging backwards from beforeSequence when set. Without a database the
// in-memory projection is used.
func (qs *QueryService) GetFundingHistory(ctx context.Context, asset string, limit int, beforeSequence *int64) ([]FundingHistoryResponse, error) {
	if qs.db == nil {
		if qs.funding == nil {
			return nil, ErrNoDatabase
		}
		var out []FundingHistoryResponse
		for _, e := range qs.funding.QueryByAsset(asset, limit) {
			out = append(out, FundingHistoryResponse{
				Sequence:              e.Sequence,
				Asset:                 e.Asset,
				Intervals:             e.Intervals,
				RateDelta:             formatFunding(e.RateDelta),
				CumulativeFundingRate: formatFunding(e.CumulativeFundingRate),
				LastFundingTime:       e.LastFundingTime,
			})
		}
		return out, nil
	}

	query := `
		SELECT sequence, intervals, rate_delta::TEXT, cumulative_funding_rate::TEXT, last_funding_time
		FROM projections.funding_history
		WHERE asset_id = $1
	`
	args := []interface{}{asset}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingHistoryResponse
	for rows.Next() {
		var (
			h                 FundingHistoryResponse
			delta, cumulative string
		)
		h.Asset = asset
		if err := rows.Scan(&h.Sequence, &h.Intervals, &delta, &cumulative, &h.LastFundingTime); err != nil {
			return nil, err
		}
		h.RateDelta = formatFunding(parseNumeric(delta))
		h.CumulativeFundingRate = formatFunding(parseNumeric(cumulative))
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a holder, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	accountPrefix := fmt.Sprintf("holder:%s:%%", holder)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, entry_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCommandStatus looks a command up in the command log by type and id.
func (qs *QueryService) GetCommandStatus(ctx context.Context, commandType, commandID string) (*CommandStatus, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	var (
		c    CommandStatus
		hash []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, command_id, command_type, status, error, state_hash, timestamp
		FROM event_log.commands
		WHERE command_type = $1 AND command_id = $2
		ORDER BY sequence DESC
		LIMIT 1
	`, commandType, commandID).Scan(&c.Sequence, &c.CommandID, &c.CommandType, &c.Status, &c.Error, &hash, &c.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.StateHash = hex.EncodeToString(hash)
	return &c, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log for gaps, events for a matching
// applied command, journal-derived balances for negative wallets, and the
// live vault for its solvency invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.vault.CheckInvariants(); err != nil {
		report.InvariantViolation = err.Error()
	}

	if qs.db != nil {
		gaps, err := qs.int64s(ctx, `
			SELECT c.sequence
			FROM event_log.commands c
			WHERE c.sequence > (SELECT MIN(sequence) FROM event_log.commands)
			  AND NOT EXISTS (SELECT 1 FROM event_log.commands p WHERE p.sequence = c.sequence - 1)
			ORDER BY c.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		report.CommandGaps = gaps

		orphans, err := qs.int64s(ctx, `
			SELECT e.sequence
			FROM event_log.events e
			WHERE NOT EXISTS (
				SELECT 1 FROM event_log.commands c
				WHERE c.state_hash = e.state_hash AND c.status = 'applied'
			)
			ORDER BY e.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		report.OrphanEvents = orphans

		rows, err := qs.db.QueryContext(ctx, `
			SELECT account, asset, SUM(delta)::TEXT
			FROM (
				SELECT credit_account AS account, asset, amount AS delta FROM event_log.journal
				UNION ALL
				SELECT debit_account, asset, -amount FROM event_log.journal
			) flows
			WHERE account NOT LIKE 'external:%'
			GROUP BY account, asset
			HAVING SUM(delta) < 0
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var nb NegativeBalance
			if err := rows.Scan(&nb.Account, &nb.Asset, &nb.Balance); err != nil {
				return nil, err
			}
			report.NegativeBalances = append(report.NegativeBalances, nb)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = report.InvariantViolation == "" &&
		len(report.CommandGaps) == 0 &&
		len(report.OrphanEvents) == 0 &&
		len(report.NegativeBalances) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermarks WHERE projection_name = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) int64s(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// parseNumeric reads a NUMERIC column rendered as text
func parseNumeric(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
