package main

import (
	"PerpVault/internal/ingestion"
	"PerpVault/internal/vault"
	"context"
	"log"
	"time"
)

// runKeeper liquidates unhealthy positions and checkpoints funding for
// every asset whose interval has elapsed. All writes go through the
// processor like any other command.
func runKeeper(ctx context.Context, v *vault.Vault, svc *ingestion.SubmitService, keeperID string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("INFO: keeper %s running every %s", keeperID, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keeperTick(ctx, v, svc, keeperID, time.Now())
		}
	}
}

func keeperTick(ctx context.Context, v *vault.Vault, svc *ingestion.SubmitService, keeperID string, now time.Time) {
	// the keeper bids at the vault's gas price cap
	gasPrice := v.Params().MaxGasPrice
	for _, c := range v.FindLiquidatable() {
		k := c.Key
		if _, err := svc.Liquidate(ctx, keeperID, k.Account, k.CollateralAsset, k.IndexAsset, k.IsLong, gasPrice); err != nil {
			log.Printf("WARN: keeper liquidation %s (%s) failed: %v", k, c.Status, err)
			continue
		}
		log.Printf("INFO: keeper liquidated %s (%s)", k, c.Status)
	}

	fundingInterval := v.Params().FundingInterval
	for _, a := range v.Assets() {
		acc := v.FundingAccumulator(a.ID)
		if acc != nil && acc.LastFundingTime > 0 && now.Unix() < acc.LastFundingTime+fundingInterval {
			continue
		}
		if _, err := svc.UpdateFunding(ctx, keeperID, a.ID); err != nil {
			log.Printf("WARN: keeper funding update %s failed: %v", a.ID, err)
		}
	}
}
