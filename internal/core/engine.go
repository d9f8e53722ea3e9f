package core

import (
	"PerpVault/internal/command"
	"PerpVault/internal/event"
	"PerpVault/internal/governance"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSequenceGap      = errors.New("core: source sequence gap")
	ErrOutOfOrder       = errors.New("core: out-of-order command")
	ErrMissingTimestamp = errors.New("core: command has no timestamp")
)

// Command status values recorded in the command log
const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

// Config sizes and seeds a Processor
type Config struct {
	VaultID       string
	StableAsset   string
	Params        state.VaultParams
	Feed          oracle.FeedConfig
	StartSequence int64
	LRUCapacity   int

	// Identities granted at genesis. A restored snapshot replaces them.
	Governors   []string
	Handlers    []string
	Liquidators []string
}

// DefaultConfig returns the stock vault setup
func DefaultConfig() Config {
	return Config{
		VaultID:     "vault",
		StableAsset: "USDG",
		Params:      state.DefaultVaultParams(),
		Feed:        oracle.DefaultFeedConfig(),
		LRUCapacity: 1_000_000,
	}
}

// Processor is the single-threaded command pipeline in front of the vault.
// It owns the vault, its token ledger, price feed and permission registry,
// and is the only writer of all four.
type Processor struct {
	sequence    int64 // last command sequence
	eventSeq    int64 // last event sequence
	now         atomic.Int64
	stableAsset string

	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	vault  *vault.Vault
	tokens *ledger.TokenLedger
	feed   *oracle.FastPriceFeed
	perms  *governance.Registry

	logger  zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// filled by the vault sink and ledger observer while a command runs
	pendingEvents  []event.Event
	pendingBatches []*ledger.Batch
}

// CoreOutput is everything one processed command produced
type CoreOutput struct {
	Command   CommandRecord
	Envelopes []*event.EventEnvelope
	Batches   []*ledger.Batch

	// Post-command pool states, set when the command emitted events
	Pools []*state.PoolState
}

// CommandRecord is one row of the command log
type CommandRecord struct {
	Sequence       int64
	CommandID      string
	CommandType    command.Type
	Partition      string
	SourceSequence int64
	Caller         string
	Timestamp      time.Time
	Payload        []byte
	Status         string
	Error          string
	StateHash      [32]byte
}

// Result is what a processed command returns to its submitter
type Result struct {
	Sequence  int64
	Duplicate bool
	Amount    *big.Int // minted, paid out or withdrawn, when the command has one
	Decrease  *vault.DecreaseResult
	Events    []event.Event
	StateHash [32]byte
}

func NewProcessor(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*Processor, error) {
	p := &Processor{
		sequence:       cfg.StartSequence,
		stableAsset:    cfg.StableAsset,
		hasher:         NewStateHasher(),
		perms:          governance.NewRegistry(),
		logger:         logger,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	for _, id := range cfg.Governors {
		p.perms.Grant(id, governance.PermGovernor)
	}
	for _, id := range cfg.Handlers {
		p.perms.Grant(id, governance.PermHandler)
	}
	for _, id := range cfg.Liquidators {
		p.perms.Grant(id, governance.PermLiquidator)
	}
	p.idempotency = NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, logger, metrics)
	p.sequenceValidator = NewSequenceValidator(metrics)

	p.feed = oracle.NewFastPriceFeed(cfg.Feed, p.Now)
	p.tokens = ledger.NewTokenLedger(cfg.StableAsset)
	p.tokens.SetClock(p.Now)
	p.tokens.OnBatch(func(b *ledger.Batch) {
		p.pendingBatches = append(p.pendingBatches, b)
	})

	account := p.tokens.VaultAccount(cfg.VaultID)
	v, err := vault.New(cfg.VaultID, cfg.Params, vault.Deps{
		Feed:        p.feed,
		Permissions: p.perms,
		Custody:     account,
		Stable:      account,
		StableAsset: cfg.StableAsset,
		Clock:       p.Now,
		Logger:      logger,
		Metrics:     metrics,
		Sink: vault.EventSinkFunc(func(events []event.Event) {
			p.pendingEvents = append(p.pendingEvents, events...)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	p.vault = v
	return p, nil
}

// Now is the processor's versioned clock: the timestamp of the latest
// command. It never reads wall-clock time.
func (p *Processor) Now() time.Time {
	return time.Unix(0, p.now.Load())
}

func (p *Processor) Vault() *vault.Vault               { return p.vault }
func (p *Processor) Tokens() *ledger.TokenLedger       { return p.tokens }
func (p *Processor) Feed() *oracle.FastPriceFeed       { return p.feed }
func (p *Processor) Permissions() *governance.Registry { return p.perms }

// Sequence returns the last command sequence. Processor goroutine only.
func (p *Processor) Sequence() int64 { return p.sequence }

// StateHash returns the hash chain tip. Processor goroutine only.
func (p *Processor) StateHash() [32]byte { return p.hasher.Tip() }

// Process runs one command through the pipeline:
//
// Step 1: idempotency (LRU, then the command log)
// Step 2: sequence validation per partition
// Step 3: advance the versioned clock
// Step 4: dispatch to the vault, ledger, feed or registry
// Step 5: hash the post-state and wrap events in envelopes
// Step 6: persist (blocking) and project (drop when full)
//
// A rejected command returns its error alongside a non-nil Result; it is
// recorded in the command log but leaves every state untouched.
func (p *Processor) Process(ctx context.Context, cmd command.Command) (*Result, error) {
	return p.process(ctx, cmd, false)
}

// Replay re-applies a command from the command log during recovery. The
// persisted log is not consulted for duplicates and nothing is emitted.
func (p *Processor) Replay(ctx context.Context, cmd command.Command) (*Result, error) {
	return p.process(ctx, cmd, true)
}

func (p *Processor) process(ctx context.Context, cmd command.Command, replay bool) (*Result, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1
	isDuplicate := false
	if replay {
		isDuplicate = p.idempotency.lru.Contains(compositeKey(cmdType, key))
	} else {
		isDuplicate = p.idempotency.IsDuplicate(cmdType, key)
	}

	// Step 2
	if priceCmd, ok := cmd.(*command.SetPrice); ok {
		if !isDuplicate && !p.sequenceValidator.ValidatePriceSequence(priceCmd.Asset, priceCmd.PriceSequence) {
			p.rejectMetric(cmdType, "stale_price")
			return &Result{Duplicate: true, Sequence: p.sequence}, nil
		}
	} else if partition := cmd.Partition(); partition != "" {
		if err := p.sequenceValidator.ValidateSequence(partition, cmd.SourceSequence(), isDuplicate); err != nil {
			p.rejectMetric(cmdType, "sequence")
			return nil, err
		}
	}

	if isDuplicate {
		p.rejectMetric(cmdType, "duplicate")
		return &Result{Duplicate: true, Sequence: p.sequence}, nil
	}

	ts := cmd.Timestamp()
	if ts.IsZero() {
		p.rejectMetric(cmdType, "timestamp")
		return nil, fmt.Errorf("%w: %s %s", ErrMissingTimestamp, cmdType, key)
	}

	payload, err := command.Encode(cmd)
	if err != nil {
		return nil, err
	}

	// Step 3
	if ts.UnixNano() > p.now.Load() {
		p.now.Store(ts.UnixNano())
	}

	// Step 4
	p.pendingEvents = p.pendingEvents[:0]
	p.pendingBatches = p.pendingBatches[:0]

	res := &Result{}
	dispatchErr := p.dispatch(ledger.WithEventRef(ctx, key), cmd, res)
	committed := dispatchErr == nil ||
		errors.Is(dispatchErr, vault.ErrSettlementFailed) ||
		errors.Is(dispatchErr, vault.ErrInvariantViolated)

	if errors.Is(dispatchErr, vault.ErrInvariantViolated) {
		panic(fmt.Sprintf("FATAL: invariant violated by %s %s: %v", cmdType, key, dispatchErr))
	}

	p.sequence++
	res.Sequence = p.sequence
	record := CommandRecord{
		Sequence:       p.sequence,
		CommandID:      key,
		CommandType:    cmd.CommandType(),
		Partition:      cmd.Partition(),
		SourceSequence: cmd.SourceSequence(),
		Caller:         cmd.Caller(),
		Timestamp:      ts,
		Payload:        payload,
		Status:         StatusApplied,
	}
	if dispatchErr != nil {
		record.Error = dispatchErr.Error()
	}

	output := CoreOutput{
		Batches: append([]*ledger.Batch(nil), p.pendingBatches...),
	}

	if !committed {
		record.Status = StatusRejected
		record.StateHash = p.hasher.Tip()
		res.StateHash = record.StateHash
		output.Command = record
		p.rejectMetric(cmdType, state.Classify(dispatchErr).String())
		if !replay {
			p.emit(output)
		}
		p.idempotency.MarkProcessed(cmdType, key)
		return res, dispatchErr
	}

	// Step 5
	hashStart := time.Now()
	digest := p.stateDigest()
	prevHash := p.hasher.Tip()
	stateHash := p.hasher.ComputeHash(p.sequence, digest)
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	record.StateHash = stateHash
	res.StateHash = stateHash
	res.Events = append([]event.Event(nil), p.pendingEvents...)

	for _, e := range res.Events {
		env, err := event.NewEnvelope(key, e, ts)
		if err != nil {
			return res, err
		}
		p.eventSeq++
		env.Sequence = p.eventSeq
		env.StateHash = stateHash
		env.PrevHash = prevHash
		output.Envelopes = append(output.Envelopes, env)
		if p.metrics != nil {
			p.metrics.CoreEventsEmitted.WithLabelValues(e.EventType().String()).Inc()
		}
	}
	output.Command = record
	if len(output.Envelopes) > 0 {
		output.Pools = p.poolStates()
	}

	// Step 6: replayed commands are already in the log
	if !replay {
		p.emit(output)
	}
	p.idempotency.MarkProcessed(cmdType, key)

	if p.metrics != nil {
		p.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
		p.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(p.sequence))
		for _, b := range output.Batches {
			for _, j := range b.Journals {
				p.metrics.LedgerJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}
	return res, dispatchErr
}

// emit fans an output out. The persist channel blocks so the command log is
// never lossy; the projection channel drops, projections rebuild from the
// log.
func (p *Processor) emit(output CoreOutput) {
	if p.persistChan != nil {
		select {
		case p.persistChan <- output:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.persistChan <- output
		}
	}

	if p.projectionChan != nil && len(output.Envelopes) > 0 {
		select {
		case p.projectionChan <- output:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (p *Processor) rejectMetric(cmdType, reason string) {
	if p.metrics != nil {
		p.metrics.CoreCommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func (p *Processor) poolStates() []*state.PoolState {
	assets := p.vault.Assets()
	pools := make([]*state.PoolState, 0, len(assets))
	for _, a := range assets {
		pool, err := p.vault.Pool(a.ID)
		if err != nil {
			continue
		}
		pools = append(pools, pool)
	}
	return pools
}

// stateDigest is the canonical vault state followed by a hash of every
// ledger balance, so custody movements are covered by the chain too.
func (p *Processor) stateDigest() []byte {
	digest := p.vault.StateDigest()
	sum := sha256.New()
	for _, b := range p.tokens.Snapshot().Balances {
		sum.Write([]byte(b.Account))
		sum.Write([]byte{0})
		sum.Write([]byte(b.Amount.String()))
		sum.Write([]byte{0})
	}
	return append(digest, sum.Sum(nil)...)
}

// ============================================================================
// Run loop
// ============================================================================

// Submission is a command plus an optional reply channel (buffered, cap 1).
// A submission with Inspect set runs the function on the processor
// goroutine between commands instead of applying a command.
type Submission struct {
	Command command.Command
	Inspect func(*Processor)
	Reply   chan<- Reply
}

type Reply struct {
	Result *Result
	Err    error
}

// Run applies submissions in arrival order until ctx is cancelled or in is
// closed.
func (p *Processor) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			if sub.Inspect != nil {
				sub.Inspect(p)
				if sub.Reply != nil {
					sub.Reply <- Reply{}
				}
				continue
			}
			res, err := p.Process(ctx, sub.Command)
			if err != nil {
				p.logger.Debug().Err(err).
					Str("command_type", sub.Command.CommandType().String()).
					Str("key", sub.Command.IdempotencyKey()).
					Msg("command not applied")
			}
			if sub.Reply != nil {
				sub.Reply <- Reply{Result: res, Err: err}
			}
		}
	}
}

// Submit hands cmd to a running processor and waits for its result.
func Submit(ctx context.Context, in chan<- Submission, cmd command.Command) (*Result, error) {
	reply := make(chan Reply, 1)
	select {
	case in <- Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inspect runs fn on the processor goroutine and waits for it to finish.
func Inspect(ctx context.Context, in chan<- Submission, fn func(*Processor)) error {
	reply := make(chan Reply, 1)
	select {
	case in <- Submission{Inspect: fn, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Snapshot & restore
// ============================================================================

// SnapshotState is the processor's full restorable state
type SnapshotState struct {
	Sequence        int64                       `json:"sequence"`
	EventSequence   int64                       `json:"event_sequence"`
	StateHash       [32]byte                    `json:"state_hash"`
	DigestHash      [32]byte                    `json:"digest_hash"`
	Now             time.Time                   `json:"now"`
	Vault           *state.Snapshot             `json:"vault"`
	Ledger          *ledger.Snapshot            `json:"ledger"`
	Quotes          []oracle.Quote              `json:"quotes"`
	Grants          []governance.Grant          `json:"grants"`
	Routers         []governance.RouterApproval `json:"routers"`
	Partitions      map[string]int64            `json:"partitions"`
	IdempotencyKeys []string                    `json:"idempotency_keys"`
}

// CreateSnapshotState captures everything needed to resume. Processor
// goroutine only.
func (p *Processor) CreateSnapshotState(recentKeys int) *SnapshotState {
	return &SnapshotState{
		Sequence:        p.sequence,
		EventSequence:   p.eventSeq,
		StateHash:       p.hasher.Tip(),
		DigestHash:      sha256.Sum256(p.stateDigest()),
		Now:             p.Now(),
		Vault:           p.vault.Export(),
		Ledger:          p.tokens.Snapshot(),
		Quotes:          p.feed.Quotes(),
		Grants:          p.perms.Grants(),
		Routers:         p.perms.Routers(),
		Partitions:      p.sequenceValidator.Partitions(),
		IdempotencyKeys: p.idempotency.RecentKeys(recentKeys),
	}
}

// RestoreFromSnapshot loads a snapshot and verifies the restored state
// reproduces the recorded digest.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	p.now.Store(snap.Now.UnixNano())
	if err := p.tokens.Restore(snap.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := p.vault.Import(snap.Vault); err != nil {
		return fmt.Errorf("restore vault: %w", err)
	}
	for _, q := range snap.Quotes {
		if q.Price == nil {
			continue
		}
		if err := p.feed.SetPrice(q.Asset, q.Price, q.UpdatedAt); err != nil {
			return fmt.Errorf("restore quote %s: %w", q.Asset, err)
		}
		if err := p.feed.SetSpread(q.Asset, q.SpreadBps); err != nil {
			return fmt.Errorf("restore spread %s: %w", q.Asset, err)
		}
		if q.Reference != nil {
			if err := p.feed.SetReference(q.Asset, q.Reference); err != nil {
				return fmt.Errorf("restore reference %s: %w", q.Asset, err)
			}
		}
	}
	if err := p.perms.Restore(snap.Grants, snap.Routers); err != nil {
		return fmt.Errorf("restore permissions: %w", err)
	}
	p.sequenceValidator.Restore(snap.Partitions)
	p.idempotency.Warm(snap.IdempotencyKeys)

	p.sequence = snap.Sequence
	p.eventSeq = snap.EventSequence
	p.hasher.Restore(snap.StateHash)

	if got := sha256.Sum256(p.stateDigest()); got != snap.DigestHash {
		return fmt.Errorf("state digest mismatch after restore: snapshot %x, restored %x", snap.DigestHash, got)
	}
	if err := p.vault.CheckInvariants(); err != nil {
		return fmt.Errorf("restored state: %w", err)
	}
	return nil
}

// VerifySnapshot restores snap into a scratch processor built from cfg. A
// nil error means the snapshot is safe to boot from.
func VerifySnapshot(cfg Config, snap *SnapshotState) error {
	scratch, err := NewProcessor(cfg, nil, nil, nil, zerolog.Nop(), nil)
	if err != nil {
		return err
	}
	return scratch.RestoreFromSnapshot(snap)
}
