package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim-core/internal/balance"
	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/reconciliation"
	"tradesim-core/internal/settlement"
	"tradesim-core/internal/trading"
	"tradesim-core/internal/withdrawal"
	"tradesim-core/pkg/config"
	"tradesim-core/pkg/db"
	"tradesim-core/pkg/i18n"
)

const adminEmail = "ops@example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ts     *httptest.Server
	server *Server
	clock  *testClock
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := &config.Config{
		JWTSecret:   "test-secret",
		AdminEmails: []string{adminEmail},
		SignupBonus: decimal.NewFromInt(1000),
		CORSOrigins: []string{"*"},
	}

	bus := events.NewBus()
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	ledger := balance.NewLedger(database, bus, nil)
	engine := settlement.NewEngine(database, bus, nil, settlement.WithClock(clock.Now), settlement.WithMetrics(metrics))

	server := NewServer(cfg, Deps{
		Store:       database,
		Bus:         bus,
		Ledger:      ledger,
		Trading:     trading.NewService(database, nil, nil, nil, bus, nil, trading.WithClock(clock.Now)),
		Engine:      engine,
		Recon:       reconciliation.NewService(engine, database, ledger, bus, nil, time.Second),
		Withdrawals: withdrawal.NewService(database, bus, nil),
		Metrics:     metrics,
		Gatherer:    reg,
	})

	ts := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		ts.Close()
		_ = database.Close()
	})
	return &testEnv{ts: ts, server: server, clock: clock}
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// registerAndLogin returns the token and user id of a fresh account.
func (e *testEnv) registerAndLogin(t *testing.T, email string) (string, string) {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "tester",
		"email":    email,
		"password": "StrongPass123!",
	}, &regResp)
	require.Equal(t, http.StatusCreated, status)

	var loginResp struct {
		Token string `json:"token"`
	}
	status = e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": "StrongPass123!",
	}, &loginResp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, loginResp.Token)
	return loginResp.Token, regResp.UserID
}

func (e *testEnv) balance(t *testing.T, token string) decimal.Decimal {
	t.Helper()
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/balance", token, nil, &resp))
	return resp.Balance
}

type openResponse struct {
	Position tradeView       `json:"position"`
	Balance  decimal.Decimal `json:"balance"`
}

func (e *testEnv) open(t *testing.T, token string, stake int64, tier string) openResponse {
	t.Helper()
	var resp openResponse
	status := e.do(t, http.MethodPost, "/api/v1/trades", token, map[string]any{
		"instrument": "BTCUSDT",
		"stake":      stake,
		"direction":  "up",
		"tier":       tier,
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	return resp
}

func TestRegisterLoginAndMe(t *testing.T) {
	env := newTestAPIServer(t)
	token, userID := env.registerAndLogin(t, "tester@example.com")

	var me domain.User
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/me", token, nil, &me))
	assert.Equal(t, userID, me.ID)
	assert.Equal(t, "tester@example.com", me.Email)
	assert.Equal(t, domain.RoleUser, me.Role)
	assert.True(t, me.Balance.Equal(decimal.NewFromInt(1000)), "signup bonus credited, got %s", me.Balance)

	var history []domain.LedgerEntry
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/balance/history", token, nil, &history))
	require.Len(t, history, 1)
	assert.Equal(t, domain.EntrySignupBonus, history[0].Kind)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestAPIServer(t)
	env.registerAndLogin(t, "dup@example.com")

	var resp apiError
	status := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    "DUP@example.com",
		"password": "AnotherPass1!",
	}, &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_EXISTS", resp.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestAPIServer(t)
	env.registerAndLogin(t, "tester@example.com")

	var resp apiError
	status := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "wrong-password",
	}, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_CREDENTIALS", resp.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestAPIServer(t)

	var resp apiError
	status := env.do(t, http.MethodGet, "/api/v1/balance", "", nil, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "MISSING_TOKEN", resp.Code)

	status = env.do(t, http.MethodGet, "/api/v1/balance", "not-a-jwt", nil, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_TOKEN", resp.Code)
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	env := newTestAPIServer(t)
	token, _ := env.registerAndLogin(t, "tester@example.com")

	var resp apiError
	status := env.do(t, http.MethodGet, "/api/v1/admin/users", token, nil, &resp)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", resp.Code)
}

func TestOpenTradeDebitsStake(t *testing.T) {
	env := newTestAPIServer(t)
	token, userID := env.registerAndLogin(t, "tester@example.com")

	resp := env.open(t, token, 100, "60s")
	assert.Equal(t, userID, resp.Position.OwnerID)
	assert.Equal(t, "btcusdt", resp.Position.Instrument)
	assert.Equal(t, domain.StatusActive, resp.Position.Status)
	assert.EqualValues(t, 60, resp.Position.RemainingSeconds)
	assert.True(t, resp.Balance.Equal(decimal.NewFromInt(900)))

	var list []tradeView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/trades", token, nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, resp.Position.ID, list[0].ID)
}

func TestOpenTradeRejections(t *testing.T) {
	env := newTestAPIServer(t)
	token, _ := env.registerAndLogin(t, "tester@example.com")

	cases := []struct {
		name    string
		payload map[string]any
		status  int
		code    string
	}{
		{"insufficient balance", map[string]any{"instrument": "btcusdt", "stake": 5000, "direction": "up", "tier": "30s"}, http.StatusBadRequest, "INSUFFICIENT_BALANCE"},
		{"unknown tier", map[string]any{"instrument": "btcusdt", "stake": 10, "direction": "up", "tier": "45s"}, http.StatusBadRequest, "UNKNOWN_TIER"},
		{"unknown instrument", map[string]any{"instrument": "foousdt", "stake": 10, "direction": "up", "tier": "30s"}, http.StatusBadRequest, "UNKNOWN_INSTRUMENT"},
		{"bad direction", map[string]any{"instrument": "btcusdt", "stake": 10, "direction": "sideways", "tier": "30s"}, http.StatusBadRequest, "INVALID_DIRECTION"},
		{"missing fields", map[string]any{"stake": 10}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp apiError
			status := env.do(t, http.MethodPost, "/api/v1/trades", token, tc.payload, &resp)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.True(t, env.balance(t, token).Equal(decimal.NewFromInt(1000)), "rejected opens must not move the balance")
}

func TestErrorMessagesFollowAcceptLanguage(t *testing.T) {
	env := newTestAPIServer(t)
	token, _ := env.registerAndLogin(t, "tester@example.com")

	body, err := json.Marshal(map[string]any{"instrument": "btcusdt", "stake": 5000, "direction": "up", "tier": "30s"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/trades", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Language", "zh-TW,zh;q=0.9")

	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "INSUFFICIENT_BALANCE", out.Code)
	assert.Equal(t, i18n.Error(i18n.LangZH, "INSUFFICIENT_BALANCE"), out.Error)
}

func TestAdminResolveHiddenUntilClose(t *testing.T) {
	env := newTestAPIServer(t)
	userToken, _ := env.registerAndLogin(t, "tester@example.com")
	adminToken, _ := env.registerAndLogin(t, adminEmail)

	opened := env.open(t, userToken, 100, "60s")
	id := opened.Position.ID

	var resolved struct {
		Position tradeView `json:"position"`
		Settled  bool      `json:"settled"`
	}
	status := env.do(t, http.MethodPost, "/api/v1/admin/trades/"+id+"/resolve", adminToken, map[string]string{"status": "profit"}, &resolved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusProfit, resolved.Position.Status)
	assert.False(t, resolved.Settled)

	// The owner still sees an active position and no payout.
	var view tradeView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/trades/"+id, userToken, nil, &view))
	assert.Equal(t, domain.StatusActive, view.Status)
	assert.False(t, view.AdminSet)
	assert.True(t, env.balance(t, userToken).Equal(decimal.NewFromInt(900)))

	// A second decision is refused with the current state attached.
	var conflict struct {
		Code     string    `json:"code"`
		Position tradeView `json:"position"`
	}
	status = env.do(t, http.MethodPost, "/api/v1/admin/trades/"+id+"/resolve", adminToken, map[string]string{"status": "loss"}, &conflict)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", conflict.Code)
	assert.Equal(t, domain.StatusProfit, conflict.Position.Status)

	// After the close time the next read pays out 100 + 60%.
	env.clock.Advance(61 * time.Second)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/trades/"+id, userToken, nil, &view))
	assert.Equal(t, domain.StatusProfit, view.Status)
	assert.True(t, view.SettlementApplied)
	assert.True(t, env.balance(t, userToken).Equal(decimal.NewFromInt(1060)))

	// Reading again does not pay twice.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/trades", userToken, nil, nil))
	assert.True(t, env.balance(t, userToken).Equal(decimal.NewFromInt(1060)))
}

func TestAdminReconcileExpiresDuePositions(t *testing.T) {
	env := newTestAPIServer(t)
	userToken, _ := env.registerAndLogin(t, "tester@example.com")
	adminToken, _ := env.registerAndLogin(t, adminEmail)

	env.open(t, userToken, 20, "30s")
	assert.True(t, env.balance(t, userToken).Equal(decimal.NewFromInt(980)))

	env.clock.Advance(31 * time.Second)
	var report reconciliation.Report
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/admin/reconcile", adminToken, nil, &report))
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Expired)
	assert.Empty(t, report.Anomalies)
	assert.True(t, env.balance(t, userToken).Equal(decimal.NewFromInt(1000)))

	var list []tradeView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/admin/trades?status=expired", adminToken, nil, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].SettlementApplied)
}

func TestAdminBalanceAndCreditAdjustments(t *testing.T) {
	env := newTestAPIServer(t)
	userToken, userID := env.registerAndLogin(t, "tester@example.com")
	adminToken, _ := env.registerAndLogin(t, adminEmail)

	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	status := env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/balance", adminToken,
		map[string]any{"amount": "250.5", "operation": "add"}, &bal)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, bal.Balance.Equal(decimal.RequireFromString("1250.5")))

	status = env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/balance", adminToken,
		map[string]any{"amount": 99999, "operation": "subtract"}, &bal)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, bal.Balance.IsZero(), "subtract clamps at zero")
	assert.True(t, env.balance(t, userToken).IsZero())

	var credit struct {
		CreditScore int64 `json:"credit_score"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/credit", adminToken,
		map[string]any{"delta": 10}, &credit))
	assert.EqualValues(t, 10, credit.CreditScore)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/credit", adminToken,
		map[string]any{"delta": -50}, &credit))
	assert.EqualValues(t, 0, credit.CreditScore)

	var users []domain.User
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/admin/users", adminToken, nil, &users))
	assert.Len(t, users, 2)
}

func TestWithdrawalRejectionRefunds(t *testing.T) {
	env := newTestAPIServer(t)
	userToken, _ := env.registerAndLogin(t, "tester@example.com")
	adminToken, _ := env.registerAndLogin(t, adminEmail)

	var created struct {
		Withdrawal domain.Withdrawal `json:"withdrawal"`
		Balance    decimal.Decimal   `json:"balance"`
	}
	status := env.do(t, http.MethodPost, "/api/v1/withdrawals", userToken,
		map[string]any{"amount": 300, "address": "0xabc", "network": "erc20"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, domain.WithdrawalPending, created.Withdrawal.Status)
	assert.True(t, created.Balance.Equal(decimal.NewFromInt(700)))

	var resp apiError
	status = env.do(t, http.MethodPost, "/api/v1/withdrawals", userToken,
		map[string]any{"amount": 5000, "address": "0xabc"}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INSUFFICIENT_BALANCE", resp.Code)

	var w domain.Withdrawal
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/admin/withdrawals/"+created.Withdrawal.ID+"/status",
		adminToken, map[string]string{"status": "rejected"}, &w))
	assert.Equal(t, domain.WithdrawalRejected, w.Status)
	assert.True(t, env.balance(t, userToken).Equal(decimal.NewFromInt(1000)))

	status = env.do(t, http.MethodPost, "/api/v1/admin/withdrawals/"+created.Withdrawal.ID+"/status",
		adminToken, map[string]string{"status": "completed"}, &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", resp.Code)

	var mine []domain.Withdrawal
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/withdrawals", userToken, nil, &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, domain.WithdrawalRejected, mine[0].Status)
}

func TestWithdrawalRequiresAddress(t *testing.T) {
	env := newTestAPIServer(t)
	token, _ := env.registerAndLogin(t, "tester@example.com")

	var resp apiError
	status := env.do(t, http.MethodPost, "/api/v1/withdrawals", token,
		map[string]any{"amount": 10, "address": "   "}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ADDRESS", resp.Code)
	assert.True(t, env.balance(t, token).Equal(decimal.NewFromInt(1000)))
}

func TestAdminSetRole(t *testing.T) {
	env := newTestAPIServer(t)
	userToken, userID := env.registerAndLogin(t, "tester@example.com")
	adminToken, adminID := env.registerAndLogin(t, adminEmail)

	var resp apiError
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/v1/admin/users", userToken, nil, &resp))

	var user domain.User
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/role", adminToken,
		map[string]string{"role": "admin"}, &user))
	assert.Equal(t, domain.RoleAdmin, user.Role)

	// The stored role applies to the token issued before the promotion.
	var users []domain.User
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/admin/users", userToken, nil, &users))

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/role", adminToken,
		map[string]string{"role": "user"}, &user))
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/v1/admin/users", userToken, nil, &resp))

	status := env.do(t, http.MethodPost, "/api/v1/admin/users/"+userID+"/role", adminToken,
		map[string]string{"role": "root"}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ROLE", resp.Code)

	status = env.do(t, http.MethodPost, "/api/v1/admin/users/"+adminID+"/role", adminToken,
		map[string]string{"role": "user"}, &resp)
	assert.Equal(t, http.StatusConflict, status)

	status = env.do(t, http.MethodPost, "/api/v1/admin/users/missing/role", adminToken,
		map[string]string{"role": "admin"}, &resp)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPublicCatalogs(t *testing.T) {
	env := newTestAPIServer(t)

	var tiers []tierView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/tiers", "", nil, &tiers))
	require.Len(t, tiers, 8)
	assert.Equal(t, "30s", tiers[0].ID)
	assert.EqualValues(t, 30, tiers[0].DurationSeconds)
	assert.True(t, tiers[0].PayoutRate.Equal(decimal.NewFromInt(50)))

	var instruments struct {
		Instruments []string `json:"instruments"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/instruments", "", nil, &instruments))
	assert.Contains(t, instruments.Instruments, "btcusdt")

	var tickers struct {
		Enabled bool `json:"enabled"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/market/tickers", "", nil, &tickers))
	assert.False(t, tickers.Enabled)

	var health map[string]string
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil, &health))
	assert.Equal(t, "ok", health["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/tiers", "", nil, nil))

	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFilterForUserMasksEarlyOutcome(t *testing.T) {
	env := newTestAPIServer(t)
	now := env.clock.Now()

	early := domain.Position{
		ID:       "p1",
		OwnerID:  "u1",
		Status:   domain.StatusProfit,
		AdminSet: true,
		OpenedAt: now.Add(-10 * time.Second),
		ClosesAt: now.Add(50 * time.Second),
	}

	_, ok := env.server.filterForUser(events.Message{
		Event:   events.EventPositionResolved,
		Payload: events.PositionChange{Position: early},
	}, "u1")
	assert.False(t, ok, "an early decision is not announced")

	_, ok = env.server.filterForUser(events.Message{
		Event:   events.EventBalanceChanged,
		Payload: events.BalanceChange{UserID: "u2"},
	}, "u1")
	assert.False(t, ok, "other users' events are dropped")

	msg, ok := env.server.filterForUser(events.Message{
		Event:   events.EventPositionOpened,
		Payload: events.PositionChange{Position: early},
	}, "u1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, msg.Payload.(events.PositionChange).Position.Status)

	_, ok = env.server.filterForUser(events.Message{Event: events.EventPriceTick, Payload: "tick"}, "u1")
	assert.True(t, ok, "unowned payloads go to everyone")
}
