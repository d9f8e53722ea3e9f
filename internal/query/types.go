package query

import "time"

// Amounts in responses are decimal strings: USD and prices in dollars,
// token amounts in whole tokens, funding rates as a fraction per interval.

// PoolResponse is one asset's pool state.
type PoolResponse struct {
	Asset                   string `json:"asset"`
	Decimals                int    `json:"decimals"`
	IsStable                bool   `json:"is_stable"`
	IsShortable             bool   `json:"is_shortable"`
	Weight                  int64  `json:"weight"`
	PoolAmount              string `json:"pool_amount"`
	ReservedAmount          string `json:"reserved_amount"`
	BufferAmount            string `json:"buffer_amount"`
	FeeReserves             string `json:"fee_reserves"`
	StableUnitDebt          string `json:"stable_unit_debt"`
	MaxStableUnitAmount     string `json:"max_stable_unit_amount"`
	GuaranteedUsd           string `json:"guaranteed_usd"`
	GlobalShortSize         string `json:"global_short_size"`
	GlobalShortAveragePrice string `json:"global_short_average_price"`
	Utilisation             string `json:"utilisation"`
	TargetStableUnitAmount  string `json:"target_stable_unit_amount"`
}

// AumResponse is the vault's assets under management.
type AumResponse struct {
	AumMin          string `json:"aum_min"`
	AumMax          string `json:"aum_max"`
	AumInStableUnit string `json:"aum_in_stable_units"`
	StableSupply    string `json:"stable_supply"`
}

// PositionResponse is a position with values derived at the mark price.
type PositionResponse struct {
	Key              string `json:"key"`
	Account          string `json:"account"`
	CollateralAsset  string `json:"collateral_asset"`
	IndexAsset       string `json:"index_asset"`
	IsLong           bool   `json:"is_long"`
	Size             string `json:"size"`
	Collateral       string `json:"collateral"`
	AveragePrice     string `json:"average_price"`
	EntryFundingRate string `json:"entry_funding_rate"`
	ReserveAmount    string `json:"reserve_amount"`
	RealisedPnl      string `json:"realised_pnl"`
	Delta            string `json:"delta,omitempty"`
	HasProfit        bool   `json:"has_profit"`
	Leverage         string `json:"leverage"`
	LiquidationState string `json:"liquidation_state,omitempty"`
	Status           string `json:"status"`
	LastIncreased    int64  `json:"last_increased_time,omitempty"`
	AsOfSequence     int64  `json:"as_of_sequence,omitempty"`
}

// LiquidationResponse is the margin check for one position.
type LiquidationResponse struct {
	Key                 string `json:"key"`
	State               string `json:"state"`
	MarginFees          string `json:"margin_fees"`
	Delta               string `json:"delta"`
	HasProfit           bool   `json:"has_profit"`
	RemainingCollateral string `json:"remaining_collateral"`
	Reason              string `json:"reason,omitempty"`
}

// FundingResponse is an asset's funding accumulator.
type FundingResponse struct {
	Asset                 string `json:"asset"`
	CumulativeFundingRate string `json:"cumulative_funding_rate"`
	NextFundingRate       string `json:"next_funding_rate"`
	LastFundingTime       int64  `json:"last_funding_time"`
	FundingInterval       int64  `json:"funding_interval"`
}

// FundingHistoryResponse is one persisted funding step.
type FundingHistoryResponse struct {
	Sequence              int64  `json:"sequence"`
	Asset                 string `json:"asset"`
	Intervals             int64  `json:"intervals"`
	RateDelta             string `json:"rate_delta"`
	CumulativeFundingRate string `json:"cumulative_funding_rate"`
	LastFundingTime       int64  `json:"last_funding_time"`
}

// BalanceResponse is a holder's token balance in custody.
type BalanceResponse struct {
	Holder  string `json:"holder"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// JournalHistoryEntry is a journal entry touching an account.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// CommandStatus is a command's outcome in the command log.
type CommandStatus struct {
	Sequence    int64     `json:"sequence"`
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StateHash   string    `json:"state_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy          bool              `json:"is_healthy"`
	CommandGaps        []int64           `json:"command_gaps,omitempty"`
	OrphanEvents       []int64           `json:"orphan_events,omitempty"`
	NegativeBalances   []NegativeBalance `json:"negative_balances,omitempty"`
	InvariantViolation string            `json:"invariant_violation,omitempty"`
}

// NegativeBalance is a non-external account whose journal sum is below zero.
type NegativeBalance struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}
