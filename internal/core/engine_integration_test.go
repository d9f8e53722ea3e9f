package core_test

import (
	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// --- Test helpers ---

const (
	governor = "gov"
	keeper   = "keeper"
)

var genesis = time.Unix(1_699_977_600, 0)

// newTestProcessor creates a Processor with buffered channels and no DB checker.
func newTestProcessor(t *testing.T) (*core.Processor, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)

	cfg := core.DefaultConfig()
	cfg.Governors = []string{governor}
	cfg.Handlers = []string{keeper}
	cfg.LRUCapacity = 1024

	p, err := core.NewProcessor(cfg, persistChan, projChan, nil,
		observability.NewNopLogger(), observability.NewMetricsWith(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p, persistChan, projChan
}

func at(offset time.Duration) time.Time {
	return genesis.Add(offset)
}

func usd(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fpmath.ParseUSD(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func mustProcess(t *testing.T, p *core.Processor, cmd command.Command) *core.Result {
	t.Helper()
	res, err := p.Process(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Process %s failed: %v", cmd.CommandType(), err)
	}
	return res
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// bootstrap lists BTC, prices it and funds alice with one BTC.
func bootstrap(t *testing.T, p *core.Processor) {
	t.Helper()
	mustProcess(t, p, &command.SetAssetConfig{
		Meta:  command.NewMeta(governor, at(0)),
		Asset: state.Asset{ID: "BTC", Decimals: 8, Weight: 10_000, IsShortable: true},
	})
	mustProcess(t, p, setPrice(t, "BTC", "40000", 1, at(0)))
	mustProcess(t, p, &command.Deposit{
		Meta:   command.NewMeta(keeper, at(0)),
		Holder: "alice",
		Asset:  "BTC",
		Amount: big.NewInt(100_000_000),
	})
}

func setPrice(t *testing.T, asset, price string, seq int64, ts time.Time) *command.SetPrice {
	return &command.SetPrice{
		Meta:          command.NewMeta(keeper, ts),
		Asset:         asset,
		Price:         usd(t, price),
		PriceSequence: seq,
	}
}

func buy(amount int64, ts time.Time) *command.BuyStableUnit {
	return &command.BuyStableUnit{
		Meta:     command.NewMeta("alice", ts),
		Asset:    "BTC",
		AmountIn: big.NewInt(amount),
		Receiver: "alice",
	}
}

// ============================================================================
// Test: Applied commands
// ============================================================================

func TestBuyStableUnit_EmitsEnvelopesAndBatches(t *testing.T) {
	p, persistCh, projCh := newTestProcessor(t)
	bootstrap(t, p)
	drainOutputs(persistCh)
	drainOutputs(projCh)

	res := mustProcess(t, p, buy(25_000_000, at(time.Minute)))
	if res.Amount == nil || res.Amount.Sign() <= 0 {
		t.Fatalf("expected minted amount, got %v", res.Amount)
	}
	if got := p.Tokens().BalanceOf("alice", "USDG"); got.Cmp(res.Amount) != 0 {
		t.Errorf("expected alice to hold %s USDG, got %s", res.Amount, got)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	out := outputs[0]
	if out.Command.Status != core.StatusApplied {
		t.Errorf("expected status applied, got %s", out.Command.Status)
	}
	if out.Command.Sequence != 4 {
		t.Errorf("expected sequence 4, got %d", out.Command.Sequence)
	}

	// collect + mint
	if len(out.Batches) != 2 {
		t.Errorf("expected 2 ledger batches, got %d", len(out.Batches))
	}

	var sawBuy bool
	for _, env := range out.Envelopes {
		if env.CommandID != out.Command.CommandID {
			t.Errorf("envelope command id %s, want %s", env.CommandID, out.Command.CommandID)
		}
		if env.StateHash != out.Command.StateHash {
			t.Errorf("envelope state hash does not match command")
		}
		if env.EventType == event.EventTypeBuyStableUnit {
			sawBuy = true
		}
	}
	if !sawBuy {
		t.Error("expected a BuyStableUnit envelope")
	}

	if len(drainOutputs(projCh)) != 1 {
		t.Error("expected the output on the projection channel")
	}
}

func TestEventSequences_AreMonotonic(t *testing.T) {
	p, persistCh, _ := newTestProcessor(t)
	bootstrap(t, p)
	drainOutputs(persistCh)

	for i := 0; i < 3; i++ {
		mustProcess(t, p, buy(1_000_000, at(time.Duration(i+1)*time.Second)))
	}

	var last int64
	for _, o := range drainOutputs(persistCh) {
		for _, env := range o.Envelopes {
			if env.Sequence != last+1 {
				t.Errorf("expected event sequence %d, got %d", last+1, env.Sequence)
			}
			last = env.Sequence
		}
	}
	if last == 0 {
		t.Fatal("no events emitted")
	}
}

func TestStateHash_ChainsAcrossCommands(t *testing.T) {
	p, persistCh, _ := newTestProcessor(t)
	genesisHash := core.GenesisHash()
	if p.StateHash() != genesisHash {
		t.Fatal("fresh processor should sit at the genesis hash")
	}

	bootstrap(t, p)
	outputs := drainOutputs(persistCh)

	prev := genesisHash
	for i, o := range outputs {
		if o.Command.StateHash == prev {
			t.Errorf("command %d did not advance the chain", i)
		}
		prev = o.Command.StateHash
	}
	if p.StateHash() != prev {
		t.Error("tip should equal the last command's hash")
	}
}

func TestProcess_UsesCommandTimestamp(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)

	mustProcess(t, p, setPrice(t, "BTC", "40000", 2, at(time.Hour)))
	mustProcess(t, p, buy(1_000_000, at(time.Hour)))
	if !p.Now().Equal(at(time.Hour)) {
		t.Errorf("expected clock %v, got %v", at(time.Hour), p.Now())
	}

	// an older timestamp never moves the clock backwards
	mustProcess(t, p, setPrice(t, "BTC", "40000", 3, at(time.Minute)))
	if !p.Now().Equal(at(time.Hour)) {
		t.Errorf("clock moved backwards to %v", p.Now())
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedCommand_RecordedWithoutStateChange(t *testing.T) {
	p, persistCh, projCh := newTestProcessor(t)
	bootstrap(t, p)
	drainOutputs(persistCh)
	drainOutputs(projCh)
	before := p.StateHash()

	// alice only holds one BTC
	res, err := p.Process(context.Background(), buy(200_000_000, at(time.Minute)))
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if res == nil || res.Sequence != 4 {
		t.Fatalf("rejected command should still take a sequence, got %+v", res)
	}
	if p.StateHash() != before {
		t.Error("rejection must not advance the state hash")
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Command.Status != core.StatusRejected {
		t.Errorf("expected status rejected, got %s", outputs[0].Command.Status)
	}
	if outputs[0].Command.Error == "" {
		t.Error("expected the rejection reason on the record")
	}
	if len(outputs[0].Envelopes) != 0 {
		t.Error("rejected commands emit no events")
	}
	if len(drainOutputs(projCh)) != 0 {
		t.Error("rejected commands are not projected")
	}
}

func TestDuplicateCommand_IsSkipped(t *testing.T) {
	p, persistCh, _ := newTestProcessor(t)
	bootstrap(t, p)
	drainOutputs(persistCh)

	cmd := buy(1_000_000, at(time.Minute))
	first := mustProcess(t, p, cmd)
	second := mustProcess(t, p, cmd)

	if !second.Duplicate {
		t.Fatal("expected second submission to be flagged duplicate")
	}
	if second.Sequence != first.Sequence {
		t.Errorf("duplicate should not consume a sequence: %d vs %d", second.Sequence, first.Sequence)
	}
	if len(drainOutputs(persistCh)) != 1 {
		t.Error("duplicate should not be persisted")
	}
}

func TestSequenceGap_Rejected(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)

	first := buy(1_000_000, at(time.Minute))
	first.Source, first.Sequence = "router-1", 0
	mustProcess(t, p, first)

	skipped := buy(1_000_000, at(time.Minute))
	skipped.Source, skipped.Sequence = "router-1", 2
	_, err := p.Process(context.Background(), skipped)
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}

	stale := buy(1_000_000, at(time.Minute))
	stale.Source, stale.Sequence = "router-1", 0
	_, err = p.Process(context.Background(), stale)
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestStalePrice_IsSkipped(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)

	mustProcess(t, p, setPrice(t, "BTC", "41000", 5, at(time.Minute)))
	res := mustProcess(t, p, setPrice(t, "BTC", "39000", 4, at(2*time.Minute)))
	if !res.Duplicate {
		t.Error("expected stale price to be skipped")
	}

	quotes := p.Feed().Quotes()
	if len(quotes) != 1 || quotes[0].Price.Cmp(usd(t, "41000")) != 0 {
		t.Errorf("expected BTC to stay at 41000, got %+v", quotes)
	}
}

func TestSetPrice_RequiresOperator(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	cmd := setPrice(t, "BTC", "40000", 1, at(0))
	cmd.Sender = "mallory"
	_, err := p.Process(context.Background(), cmd)
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSetPrice_ReferenceBoundsStrictMode(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)
	p.Feed().SetStrictMode(true)

	quote := setPrice(t, "BTC", "40000", 2, at(time.Minute))
	quote.ReferencePrice = usd(t, "40000")
	mustProcess(t, p, quote)
	mustProcess(t, p, buy(100_000, at(time.Minute)))

	// 5% off the reference, past the 2.5% default bound
	mustProcess(t, p, setPrice(t, "BTC", "42000", 3, at(2*time.Minute)))
	_, err := p.Process(context.Background(), buy(100_000, at(2*time.Minute)))
	if !errors.Is(err, oracle.ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation, got %v", err)
	}

	quote = setPrice(t, "BTC", "42000", 4, at(3*time.Minute))
	quote.ReferencePrice = usd(t, "41500")
	mustProcess(t, p, quote)
	mustProcess(t, p, buy(100_000, at(3*time.Minute)))

	quotes := p.Feed().Quotes()
	if len(quotes) != 1 || quotes[0].Reference == nil || quotes[0].Reference.Cmp(usd(t, "41500")) != 0 {
		t.Errorf("expected BTC reference 41500, got %+v", quotes)
	}
}

func TestCustodyDrift_HaltsProcessor(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)
	mustProcess(t, p, buy(250_000, at(time.Minute)))

	// move custody without the vault knowing
	custody := p.Tokens().VaultAccount(core.DefaultConfig().VaultID)
	if err := custody.Release(context.Background(), "mallory", "BTC", big.NewInt(1)); err != nil {
		t.Fatalf("release: %v", err)
	}
	before := p.Sequence()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected the processor to halt")
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, "invariant violated") {
			t.Errorf("unexpected panic %q", msg)
		}
		if p.Sequence() != before {
			t.Errorf("halted command must not take a sequence, %d -> %d", before, p.Sequence())
		}
	}()
	p.Process(context.Background(), buy(250_000, at(2*time.Minute)))
}

func TestGrantPermission_GovernorOnly(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	_, err := p.Process(context.Background(), &command.GrantPermission{
		Meta:       command.NewMeta("mallory", at(0)),
		Identity:   "mallory",
		Permission: "governor",
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	mustProcess(t, p, &command.GrantPermission{
		Meta:       command.NewMeta(governor, at(0)),
		Identity:   "bot",
		Permission: "liquidator",
	})
	if !p.Permissions().IsLiquidator("bot") {
		t.Error("expected bot to be a liquidator")
	}
}

// ============================================================================
// Test: Run loop
// ============================================================================

func TestRun_RepliesInOrder(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan core.Submission, 4)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, in) }()

	res, err := core.Submit(ctx, in, buy(1_000_000, at(time.Minute)))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Sequence != 4 {
		t.Errorf("expected sequence 4, got %d", res.Sequence)
	}

	close(in)
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

// ============================================================================
// Test: Snapshot & restore
// ============================================================================

func TestSnapshot_RestoreReproducesState(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)
	mustProcess(t, p, buy(50_000_000, at(time.Minute)))

	snap := p.CreateSnapshotState(100)

	restored, _, _ := newTestProcessor(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}
	if restored.StateHash() != p.StateHash() {
		t.Error("restored hash tip differs")
	}
	if restored.Sequence() != p.Sequence() {
		t.Errorf("expected sequence %d, got %d", p.Sequence(), restored.Sequence())
	}
	if got, want := restored.Tokens().BalanceOf("alice", "USDG"), p.Tokens().BalanceOf("alice", "USDG"); got.Cmp(want) != 0 {
		t.Errorf("expected alice USDG %s, got %s", want, got)
	}

	// the same next command hashes identically on both
	next := buy(1_000_000, at(2*time.Minute))
	a := mustProcess(t, p, next)
	b := mustProcess(t, restored, next)
	if a.StateHash != b.StateHash {
		t.Error("processors diverged after restore")
	}
}

func TestSnapshot_WarmsIdempotency(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	bootstrap(t, p)
	cmd := buy(1_000_000, at(time.Minute))
	mustProcess(t, p, cmd)

	restored, _, _ := newTestProcessor(t)
	if err := restored.RestoreFromSnapshot(p.CreateSnapshotState(100)); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}
	res := mustProcess(t, restored, cmd)
	if !res.Duplicate {
		t.Error("expected the command to be recognised after restore")
	}
}

func TestReplay_ReproducesHashChain(t *testing.T) {
	p, persistCh, _ := newTestProcessor(t)
	bootstrap(t, p)
	mustProcess(t, p, buy(10_000_000, at(time.Minute)))
	p.Process(context.Background(), buy(500_000_000, at(2*time.Minute))) // rejected
	mustProcess(t, p, buy(20_000_000, at(3*time.Minute)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 6 {
		t.Fatalf("expected 6 recorded commands, got %d", len(outputs))
	}

	replayed, replayPersist, replayProj := newTestProcessor(t)
	for _, out := range outputs {
		cmd, err := command.Decode(out.Command.CommandType, out.Command.Payload)
		if err != nil {
			t.Fatalf("decode %d: %v", out.Command.Sequence, err)
		}
		res, err := replayed.Replay(context.Background(), cmd)
		if (err != nil) != (out.Command.Status == core.StatusRejected) {
			t.Fatalf("seq %d: replay outcome differs: status=%s err=%v", out.Command.Sequence, out.Command.Status, err)
		}
		if res.Sequence != out.Command.Sequence {
			t.Fatalf("expected sequence %d, got %d", out.Command.Sequence, res.Sequence)
		}
		if res.StateHash != out.Command.StateHash {
			t.Fatalf("seq %d: state hash diverged", out.Command.Sequence)
		}
	}

	if replayed.StateHash() != p.StateHash() {
		t.Error("replayed tip differs")
	}
	if n := len(drainOutputs(replayPersist)) + len(drainOutputs(replayProj)); n != 0 {
		t.Errorf("replay must not emit, got %d outputs", n)
	}
}
