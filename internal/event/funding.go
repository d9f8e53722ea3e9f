package event

import "math/big"

// UpdateFundingRate is emitted when an asset's funding accumulator moves.
// Started marks the first touch, which only aligns the interval clock.
type UpdateFundingRate struct {
	Asset                 string   `json:"asset"`
	Intervals             int64    `json:"intervals"`
	RateDelta             *big.Int `json:"rate_delta"`
	CumulativeFundingRate *big.Int `json:"cumulative_funding_rate"`
	PrevFundingTime       int64    `json:"prev_funding_time"`
	LastFundingTime       int64    `json:"last_funding_time"`
	Started               bool     `json:"started"`
}

func (e *UpdateFundingRate) EventType() EventType { return EventTypeUpdateFundingRate }
func (e *UpdateFundingRate) AssetID() string      { return e.Asset }
