package ingestion

import (
	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// SubmitService is the synchronous ingest path used by the HTTP/JSON API and
// the liquidation keeper. Unlike NATS it waits for the processor's result.
// Commands submitted here carry no partition and skip sequence checks.
type SubmitService struct {
	in    chan<- core.Submission
	clock func() time.Time
}

func NewSubmitService(in chan<- core.Submission) *SubmitService {
	return &SubmitService{in: in, clock: time.Now}
}

// SubmitJSON parses a wire payload of the named command type and applies it.
func (s *SubmitService) SubmitJSON(ctx context.Context, commandType string, payload []byte) (*core.Result, error) {
	t, err := command.ParseType(commandType)
	if err != nil {
		return nil, err
	}
	cmd, err := ParseCommand(t, payload, s.clock())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.Submit(ctx, cmd)
}

// Submit applies an already typed command.
func (s *SubmitService) Submit(ctx context.Context, cmd command.Command) (*core.Result, error) {
	return core.Submit(ctx, s.in, cmd)
}

// Liquidate submits a liquidation on behalf of the keeper. gasPrice may be
// nil when the vault sets no gas price limit.
func (s *SubmitService) Liquidate(ctx context.Context, keeper, account, collateralAsset, indexAsset string, isLong bool, gasPrice *big.Int) (*core.Result, error) {
	return s.Submit(ctx, &command.LiquidatePosition{
		Meta:            command.NewMeta(keeper, s.clock()),
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		IsLong:          isLong,
		FeeReceiver:     keeper,
		GasPrice:        gasPrice,
	})
}

// UpdateFunding submits a funding checkpoint for asset.
func (s *SubmitService) UpdateFunding(ctx context.Context, keeper, asset string) (*core.Result, error) {
	return s.Submit(ctx, &command.UpdateFunding{
		Meta:  command.NewMeta(keeper, s.clock()),
		Asset: asset,
	})
}

// ErrInvalidPayload marks a payload that could not be parsed.
var ErrInvalidPayload = errors.New("invalid command payload")
