package server

import (
	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"PerpVault/internal/governance"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	gotType    string
	gotPayload string
	res        *core.Result
	err        error
}

func (s *stubSubmitter) SubmitJSON(_ context.Context, commandType string, payload []byte) (*core.Result, error) {
	s.gotType = commandType
	s.gotPayload = string(payload)
	return s.res, s.err
}

func newTestRouter(t *testing.T, sub Submitter, admin Admin) http.Handler {
	t.Helper()
	now := time.Unix(1_699_977_600, 0)
	clock := func() time.Time { return now }

	feed := oracle.NewFastPriceFeed(oracle.DefaultFeedConfig(), clock)
	perms := governance.NewRegistry()
	perms.Grant("gov", governance.PermGovernor)
	tokens := ledger.NewTokenLedger("USDG")
	tokens.SetClock(clock)

	v, err := vault.New("vault", state.DefaultVaultParams(), vault.Deps{
		Feed:        feed,
		Permissions: perms,
		Custody:     tokens.VaultAccount("vault"),
		Stable:      tokens.VaultAccount("vault"),
		StableAsset: "USDG",
		Clock:       clock,
		Logger:      observability.NewNopLogger(),
		Metrics:     observability.NewMetricsWith(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	require.NoError(t, v.SetAssetConfig(context.Background(), "gov", state.Asset{
		ID:          "BTC",
		Decimals:    8,
		Weight:      10_000,
		IsShortable: true,
	}))
	price, err := fpmath.ParseUSD("40000")
	require.NoError(t, err)
	require.NoError(t, feed.SetPrice("BTC", price, now))

	h, err := NewRouter(&ServerDeps{
		Reader:        query.NewQueryService(nil, v, tokens, nil),
		Submitter:     sub,
		Admin:         admin,
		Metrics:       observability.NewMetricsWith(prometheus.NewRegistry()),
		HealthChecker: observability.NewHealthChecker(),
	})
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))

	var out map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestGateway_GetPool(t *testing.T) {
	h := newTestRouter(t, nil, Admin{})

	code, body := do(t, h, http.MethodGet, "/v1/pools/BTC", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BTC", body["asset"])
	assert.Equal(t, true, body["is_shortable"])

	code, body = do(t, h, http.MethodGet, "/v1/pools/DOGE", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not whitelisted")
}

func TestGateway_ListPools(t *testing.T) {
	h := newTestRouter(t, nil, Admin{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pools", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var pools []query.PoolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Len(t, pools, 1)
	assert.Equal(t, "BTC", pools[0].Asset)
}

func TestGateway_PositionRoutes(t *testing.T) {
	h := newTestRouter(t, nil, Admin{})

	code, _ := do(t, h, http.MethodGet, "/v1/positions/alice/BTC/BTC/sideways", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, h, http.MethodGet, "/v1/positions/alice/BTC/BTC/long", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "empty position")

	code, _ = do(t, h, http.MethodGet, "/v1/positions/alice/BTC/BTC/short/liquidation", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGateway_HistoryWithoutDatabase(t *testing.T) {
	h := newTestRouter(t, nil, Admin{})

	code, _ := do(t, h, http.MethodGet, "/v1/commands/buy_stable_unit/abc", "")
	assert.Equal(t, http.StatusNotImplemented, code)

	code, _ = do(t, h, http.MethodGet, "/v1/accounts/alice/journals?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGateway_SubmitCommand(t *testing.T) {
	sub := &stubSubmitter{res: &core.Result{
		Sequence: 7,
		Amount:   big.NewInt(1_000),
		Decrease: &vault.DecreaseResult{
			UsdOut:         new(big.Int).Mul(big.NewInt(10), fpmath.Pow10(30)),
			UsdOutAfterFee: new(big.Int).Mul(big.NewInt(9), fpmath.Pow10(30)),
			AmountOut:      big.NewInt(900),
		},
		StateHash: [32]byte{0xab},
	}}
	h := newTestRouter(t, sub, Admin{})

	code, body := do(t, h, http.MethodPost, "/v1/commands/decrease_position", `{"account":"alice"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "decrease_position", sub.gotType)
	assert.JSONEq(t, `{"account":"alice"}`, sub.gotPayload)
	assert.Equal(t, float64(7), body["sequence"])
	assert.Equal(t, "1000", body["amount"])
	assert.True(t, strings.HasPrefix(body["state_hash"].(string), "ab"))

	dec := body["decrease"].(map[string]interface{})
	assert.Equal(t, "10", dec["usd_out"])
	assert.Equal(t, "9", dec["usd_out_after_fee"])
	assert.Equal(t, "900", dec["amount_out"])
}

func TestGateway_SubmitRejected(t *testing.T) {
	sub := &stubSubmitter{err: fmt.Errorf("%w: missing account", ingestion.ErrInvalidPayload)}
	h := newTestRouter(t, sub, Admin{})

	code, body := do(t, h, http.MethodPost, "/v1/commands/buy_stable_unit", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "missing account")

	// a rejected command still carries its sequence
	sub.res, sub.err = &core.Result{Sequence: 3}, state.ErrUnauthorized
	code, body = do(t, h, http.MethodPost, "/v1/commands/buy_stable_unit", `{}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, float64(3), body["sequence"])
	assert.NotEmpty(t, body["error"])
}

func TestGateway_SubmitDisabled(t *testing.T) {
	h := newTestRouter(t, nil, Admin{})
	code, _ := do(t, h, http.MethodPost, "/v1/commands/buy_stable_unit", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestGateway_Admin(t *testing.T) {
	rebuilt := false
	h := newTestRouter(t, nil, Admin{
		TakeSnapshot: func(context.Context) (int64, error) { return 42, nil },
		RebuildProjections: func(context.Context) error {
			rebuilt = true
			return nil
		},
	})

	code, body := do(t, h, http.MethodPost, "/v1/admin/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(42), body["sequence"])

	code, _ = do(t, h, http.MethodPost, "/v1/admin/projections/rebuild", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, rebuilt)

	code, _ = do(t, h, http.MethodGet, "/v1/admin/event-log", "")
	assert.Equal(t, http.StatusNotImplemented, code)

	code, body = do(t, h, http.MethodGet, "/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_healthy"])
}

func TestRouter_Probes(t *testing.T) {
	h := newTestRouter(t, nil, Admin{})

	code, body := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, _ = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w %q", command.ErrUnknownType, "nope"), http.StatusBadRequest},
		{state.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("x: %w", state.ErrPositionNotFound), http.StatusNotFound},
		{core.ErrSequenceGap, http.StatusConflict},
		{oracle.ErrStalePrice, http.StatusServiceUnavailable},
		{errors.Join(vault.ErrSettlementFailed, errors.New("transfer")), http.StatusBadGateway},
		{query.ErrNoDatabase, http.StatusNotImplemented},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
