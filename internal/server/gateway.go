package server

import (
	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// Reader is the read side served over HTTP/JSON. *query.QueryService and
// *query.CachedReader both satisfy it.
type Reader interface {
	GetPool(ctx context.Context, asset string) (*query.PoolResponse, error)
	ListPools(ctx context.Context) ([]*query.PoolResponse, error)
	GetAum(ctx context.Context) (*query.AumResponse, error)
	GetPosition(ctx context.Context, key state.PositionKey) (*query.PositionResponse, error)
	GetOpenPositions(ctx context.Context, account string) ([]*query.PositionResponse, error)
	GetPositionHistory(ctx context.Context, account string) ([]*query.PositionResponse, error)
	GetLiquidationState(ctx context.Context, key state.PositionKey) (*query.LiquidationResponse, error)
	GetFunding(ctx context.Context, asset string) (*query.FundingResponse, error)
	GetFundingHistory(ctx context.Context, asset string, limit int, beforeSequence *int64) ([]query.FundingHistoryResponse, error)
	GetBalance(ctx context.Context, holder, asset string) (*query.BalanceResponse, error)
	GetJournalHistory(ctx context.Context, holder string, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	GetCommandStatus(ctx context.Context, commandType, commandID string) (*query.CommandStatus, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

var (
	_ Reader = (*query.QueryService)(nil)
	_ Reader = (*query.CachedReader)(nil)
)

// Submitter applies commands and waits for the result.
type Submitter interface {
	SubmitJSON(ctx context.Context, commandType string, payload []byte) (*core.Result, error)
}

// Admin runs operator actions. Any field may be nil.
type Admin struct {
	TakeSnapshot       func(ctx context.Context) (int64, error)
	RebuildProjections func(ctx context.Context) error
	LatestSequence     func(ctx context.Context) (int64, error)
}

const maxCommandBody = 64 << 10

// NewGatewayMux builds the HTTP/JSON API on a grpc-gateway ServeMux.
func NewGatewayMux(deps *ServerDeps) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	h := &gateway{deps: deps}

	routes := []struct {
		method, pattern, endpoint string
		handler                   runtime.HandlerFunc
	}{
		{"GET", "/v1/pools", "list_pools", h.listPools},
		{"GET", "/v1/pools/{asset}", "get_pool", h.getPool},
		{"GET", "/v1/aum", "get_aum", h.getAum},
		{"GET", "/v1/funding/{asset}", "get_funding", h.getFunding},
		{"GET", "/v1/funding/{asset}/history", "funding_history", h.fundingHistory},
		{"GET", "/v1/accounts/{account}/positions", "open_positions", h.openPositions},
		{"GET", "/v1/accounts/{account}/positions/history", "position_history", h.positionHistory},
		{"GET", "/v1/accounts/{account}/balances/{asset}", "get_balance", h.getBalance},
		{"GET", "/v1/accounts/{account}/journals", "journal_history", h.journalHistory},
		{"GET", "/v1/positions/{account}/{collateral}/{index}/{side}", "get_position", h.getPosition},
		{"GET", "/v1/positions/{account}/{collateral}/{index}/{side}/liquidation", "liquidation_state", h.liquidationState},
		{"GET", "/v1/commands/{type}/{id}", "command_status", h.commandStatus},
		{"POST", "/v1/commands/{type}", "submit_command", h.submitCommand},
		{"GET", "/v1/admin/integrity", "verify_integrity", h.verifyIntegrity},
		{"GET", "/v1/admin/event-log", "event_log_info", h.eventLogInfo},
		{"POST", "/v1/admin/snapshot", "take_snapshot", h.takeSnapshot},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", h.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, h.instrument(r.endpoint, r.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

type gateway struct {
	deps *ServerDeps
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (g *gateway) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		if m := g.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if rec.status >= 400 {
				m.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

// ============================================================================
// Queries
// ============================================================================

func (g *gateway) listPools(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	pools, err := g.deps.Reader.ListPools(r.Context())
	respond(w, pools, err)
}

func (g *gateway) getPool(w http.ResponseWriter, r *http.Request, p map[string]string) {
	pool, err := g.deps.Reader.GetPool(r.Context(), p["asset"])
	respond(w, pool, err)
}

func (g *gateway) getAum(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	aum, err := g.deps.Reader.GetAum(r.Context())
	respond(w, aum, err)
}

func (g *gateway) getFunding(w http.ResponseWriter, r *http.Request, p map[string]string) {
	f, err := g.deps.Reader.GetFunding(r.Context(), p["asset"])
	respond(w, f, err)
}

func (g *gateway) fundingHistory(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, before, err := pageParams(r, 50, 500)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	history, err := g.deps.Reader.GetFundingHistory(r.Context(), p["asset"], limit, before)
	respond(w, history, err)
}

func (g *gateway) openPositions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	positions, err := g.deps.Reader.GetOpenPositions(r.Context(), p["account"])
	respond(w, positions, err)
}

func (g *gateway) positionHistory(w http.ResponseWriter, r *http.Request, p map[string]string) {
	positions, err := g.deps.Reader.GetPositionHistory(r.Context(), p["account"])
	respond(w, positions, err)
}

func (g *gateway) getBalance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	bal, err := g.deps.Reader.GetBalance(r.Context(), p["account"], p["asset"])
	respond(w, bal, err)
}

func (g *gateway) journalHistory(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, before, err := pageParams(r, 100, 500)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := g.deps.Reader.GetJournalHistory(r.Context(), p["account"], limit, before)
	respond(w, entries, err)
}

func (g *gateway) getPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	key, err := positionKey(p)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	pos, err := g.deps.Reader.GetPosition(r.Context(), key)
	respond(w, pos, err)
}

func (g *gateway) liquidationState(w http.ResponseWriter, r *http.Request, p map[string]string) {
	key, err := positionKey(p)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	check, err := g.deps.Reader.GetLiquidationState(r.Context(), key)
	respond(w, check, err)
}

func (g *gateway) commandStatus(w http.ResponseWriter, r *http.Request, p map[string]string) {
	status, err := g.deps.Reader.GetCommandStatus(r.Context(), p["type"], p["id"])
	if err == nil && status == nil {
		writeError(w, "command not found", http.StatusNotFound)
		return
	}
	respond(w, status, err)
}

// ============================================================================
// Commands
// ============================================================================

// SubmitResponse is the JSON form of a processed command
type SubmitResponse struct {
	Sequence  int64            `json:"sequence"`
	Duplicate bool             `json:"duplicate"`
	Amount    string           `json:"amount,omitempty"`
	Decrease  *DecreaseOutcome `json:"decrease,omitempty"`
	Events    []EventView      `json:"events,omitempty"`
	StateHash string           `json:"state_hash,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type DecreaseOutcome struct {
	UsdOut         string `json:"usd_out"`
	UsdOutAfterFee string `json:"usd_out_after_fee"`
	AmountOut      string `json:"amount_out"`
}

type EventView struct {
	Type    string      `json:"type"`
	Payload event.Event `json:"payload"`
}

func (g *gateway) submitCommand(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if g.deps.Submitter == nil {
		writeError(w, "command submission disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := g.deps.Submitter.SubmitJSON(r.Context(), p["type"], body)
	if res == nil {
		respond(w, nil, err)
		return
	}

	resp := submitResponse(res)
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = statusFor(err)
	}
	writeJSON(w, code, resp)
}

func submitResponse(res *core.Result) *SubmitResponse {
	resp := &SubmitResponse{
		Sequence:  res.Sequence,
		Duplicate: res.Duplicate,
	}
	if res.StateHash != ([32]byte{}) {
		resp.StateHash = hex.EncodeToString(res.StateHash[:])
	}
	if res.Amount != nil {
		resp.Amount = res.Amount.String()
	}
	if d := res.Decrease; d != nil {
		resp.Decrease = &DecreaseOutcome{
			UsdOut:         fpmath.FormatUSD(d.UsdOut, 6),
			UsdOutAfterFee: fpmath.FormatUSD(d.UsdOutAfterFee, 6),
			AmountOut:      d.AmountOut.String(),
		}
	}
	for _, e := range res.Events {
		resp.Events = append(resp.Events, EventView{Type: e.EventType().String(), Payload: e})
	}
	return resp
}

// ============================================================================
// Admin
// ============================================================================

func (g *gateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := g.deps.Reader.VerifyIntegrity(r.Context())
	respond(w, report, err)
}

func (g *gateway) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.deps.Admin.LatestSequence == nil {
		writeError(w, "event log unavailable", http.StatusNotImplemented)
		return
	}
	seq, err := g.deps.Admin.LatestSequence(r.Context())
	respond(w, map[string]int64{"last_sequence": seq}, err)
}

func (g *gateway) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.deps.Admin.TakeSnapshot == nil {
		writeError(w, "snapshots unavailable", http.StatusNotImplemented)
		return
	}
	seq, err := g.deps.Admin.TakeSnapshot(r.Context())
	respond(w, map[string]int64{"sequence": seq}, err)
}

func (g *gateway) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.deps.Admin.RebuildProjections == nil {
		writeError(w, "projections unavailable", http.StatusNotImplemented)
		return
	}
	err := g.deps.Admin.RebuildProjections(r.Context())
	respond(w, map[string]bool{"rebuilt": err == nil}, err)
}

// ============================================================================
// Helpers
// ============================================================================

func positionKey(p map[string]string) (state.PositionKey, error) {
	key := state.PositionKey{
		Account:         p["account"],
		CollateralAsset: p["collateral"],
		IndexAsset:      p["index"],
	}
	switch p["side"] {
	case "long":
		key.IsLong = true
	case "short":
	default:
		return key, fmt.Errorf("side must be long or short, got %q", p["side"])
	}
	return key, nil
}

func pageParams(r *http.Request, def, max int) (int, *int64, error) {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, nil, fmt.Errorf("invalid limit %q", v)
		}
		limit = min(n, max)
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid before %q", v)
		}
		before = &n
	}
	return limit, before, nil
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrInvalidPayload), errors.Is(err, command.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, state.ErrPositionNotFound), errors.Is(err, state.ErrAssetNotWhitelisted):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSequenceGap), errors.Is(err, core.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrNoPrice), errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrPriceDeviation):
		return http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrSettlementFailed):
		return http.StatusBadGateway
	case errors.Is(err, query.ErrNoDatabase):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}

	switch state.Classify(err) {
	case state.ClassConfiguration, state.ClassAdmission:
		return http.StatusBadRequest
	case state.ClassSolvency:
		return http.StatusConflict
	case state.ClassBounds:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
