package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"sherpa/internal/audit"
	"sherpa/internal/auth"
	"sherpa/internal/budget"
	"sherpa/internal/events"
	"sherpa/internal/execution"
	"sherpa/internal/policy"
	"sherpa/internal/repository/memory"
	"sherpa/internal/service"
)

const (
	owner    = "0xowner"
	stranger = "0xstranger"
)

type testAPI struct {
	t      *testing.T
	engine *gin.Engine
	jwt    auth.JWT
	bus    *events.Bus
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := memory.New()
	policies := &policy.Store{Repo: repo}
	rec := &audit.Recorder{Repo: repo}
	bus := events.NewBus(16, nil)
	m := &execution.Machine{
		Repo:     repo,
		Budget:   &budget.Enforcer{Repo: repo, Policies: policies},
		Policies: policies,
		Audit:    rec,
		Events:   bus,
		Enqueue:  func(string) {},
	}
	svc := &service.AutopilotService{
		Repo:     repo,
		Machine:  m,
		Budget:   m.Budget,
		Policies: policies,
		Audit:    rec,
		Events:   bus,
	}
	svc.Config.MaxSessionKeyDays = 30

	j := auth.JWT{Secret: []byte("test-secret"), TokenTTL: time.Hour}
	r := gin.New()
	(&HealthHandler{}).Register(r)
	api := r.Group("/api/v1", auth.Middleware(j, false))
	(&StrategyHandler{Service: svc}).Register(api)
	(&ExecutionHandler{Service: svc}).Register(api)
	(&SessionKeyHandler{Service: svc}).Register(api)
	(&PolicyHandler{Service: svc}).Register(api)
	(&AuditHandler{Service: svc}).Register(api)
	(&EventStreamHandler{Bus: bus}).Register(api)
	return &testAPI{t: t, engine: r, jwt: j, bus: bus}
}

func (a *testAPI) token(wallet, role string) string {
	claims := auth.Claims{Wallet: wallet, Role: role}
	claims.Subject = wallet
	if role == auth.RoleAdmin {
		claims.Subject = "ops"
	}
	tok, _, err := a.jwt.Sign(claims)
	require.NoError(a.t, err)
	return tok
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

func (a *testAPI) do(method, path, token string, body any) (int, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

type strategyView struct {
	ID            string
	WalletAddress string
	Status        string
	ArchivedAt    *time.Time
}

func strategyBody(keyID string) map[string]any {
	body := map[string]any{
		"name":               "weekly eth",
		"kind":               "dca",
		"config":             json.RawMessage(`{"from_token":"USDC","to_token":"ETH","amount_usd":"25","chain_id":"8453"}`),
		"frequency":          "daily",
		"execution_hour_utc": 9,
	}
	if keyID != "" {
		body["session_key_id"] = keyID
	}
	return body
}

func TestStrategyRoutes_OwnershipAndLifecycle(t *testing.T) {
	api := newTestAPI(t)
	mine := api.token(owner, auth.RoleUser)
	theirs := api.token(stranger, auth.RoleUser)
	admin := api.token("", auth.RoleAdmin)

	code, env := api.do(http.MethodPost, "/api/v1/strategies", mine, strategyBody(""))
	require.Equal(t, http.StatusOK, code, env.Message)
	st := decode[strategyView](t, env.Data)
	assert.Equal(t, owner, st.WalletAddress)
	assert.Equal(t, "draft", st.Status)

	code, _ = api.do(http.MethodGet, "/api/v1/strategies/"+st.ID, theirs, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = api.do(http.MethodGet, "/api/v1/strategies/"+st.ID, admin, nil)
	assert.Equal(t, http.StatusOK, code)

	// draft strategies can't be paused or run by hand
	code, _ = api.do(http.MethodPost, "/api/v1/strategies/"+st.ID+"/pause", mine, nil)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = api.do(http.MethodPost, "/api/v1/strategies/"+st.ID+"/execute", mine, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, env = api.do(http.MethodPost, "/api/v1/strategies/"+st.ID+"/archive", mine, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.NotNil(t, decode[strategyView](t, env.Data).ArchivedAt)

	code, env = api.do(http.MethodGet, "/api/v1/strategies", mine, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]strategyView](t, env.Data))
	code, env = api.do(http.MethodGet, "/api/v1/strategies?include_archived=true", mine, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]strategyView](t, env.Data), 1)
	assert.Equal(t, false, env.Meta["has_next"])
}

func TestStrategyRoutes_Errors(t *testing.T) {
	api := newTestAPI(t)
	mine := api.token(owner, auth.RoleUser)

	code, _ := api.do(http.MethodGet, "/api/v1/strategies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = api.do(http.MethodGet, "/api/v1/strategies/missing", mine, nil)
	assert.Equal(t, http.StatusNotFound, code)

	body := strategyBody("")
	body["frequency"] = "fortnightly"
	code, _ = api.do(http.MethodPost, "/api/v1/strategies", mine, body)
	assert.Equal(t, http.StatusBadRequest, code)

	body = strategyBody("")
	body["wallet_address"] = stranger
	code, _ = api.do(http.MethodPost, "/api/v1/strategies", mine, body)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = api.do(http.MethodGet, "/api/v1/strategies?wallet="+stranger, mine, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = api.do(http.MethodGet, "/api/v1/strategies?status=bogus", mine, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionKeyRoutes(t *testing.T) {
	api := newTestAPI(t)
	mine := api.token(owner, auth.RoleUser)

	code, env := api.do(http.MethodPost, "/api/v1/session-keys", mine, map[string]any{
		"permissions":          []string{"swap"},
		"max_value_per_tx_usd": "100",
		"max_total_value_usd":  "500",
		"expires_in_days":      7,
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	key := decode[struct {
		ID        string
		Status    string
		ExpiresAt time.Time
	}](t, env.Data)
	assert.Equal(t, "active", key.Status)

	code, env = api.do(http.MethodPost, "/api/v1/strategies", mine, strategyBody(key.ID))
	require.Equal(t, http.StatusOK, code, env.Message)
	st := decode[strategyView](t, env.Data)
	assert.Equal(t, "active", st.Status)

	code, _ = api.do(http.MethodPost, "/api/v1/session-keys/"+key.ID+"/extend", mine, map[string]any{"days": 365})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env = api.do(http.MethodPost, "/api/v1/session-keys/"+key.ID+"/extend", mine, map[string]any{"days": 3})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = api.do(http.MethodPost, "/api/v1/session-keys/"+key.ID+"/revoke", mine, map[string]any{"reason": "lost device"})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = api.do(http.MethodGet, "/api/v1/strategies/"+st.ID, mine, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "expired", decode[strategyView](t, env.Data).Status)

	code, _ = api.do(http.MethodPost, "/api/v1/session-keys/"+key.ID+"/extend", mine, map[string]any{"days": 3})
	assert.Equal(t, http.StatusConflict, code)
}

func TestPolicyRoutes(t *testing.T) {
	api := newTestAPI(t)
	mine := api.token(owner, auth.RoleUser)
	admin := api.token("", auth.RoleAdmin)

	code, _ := api.do(http.MethodPost, "/api/v1/policy/emergency-stop", mine, map[string]any{"enabled": true, "reason": "x"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = api.do(http.MethodPost, "/api/v1/policy/emergency-stop", admin, map[string]any{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env := api.do(http.MethodPost, "/api/v1/policy/emergency-stop", admin, map[string]any{"enabled": true, "reason": "exploit"})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = api.do(http.MethodGet, "/api/v1/policy/status", mine, nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[service.PolicyStatus](t, env.Data)
	assert.True(t, status.Halted)
	assert.Equal(t, "Emergency stop active: exploit", status.Banner)

	code, _ = api.do(http.MethodPut, "/api/v1/policy/system", mine, map[string]any{"in_maintenance": true})
	assert.Equal(t, http.StatusForbidden, code)
	code, env = api.do(http.MethodPut, "/api/v1/policy/system", admin, map[string]any{"blocked_chains": []string{"56"}})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, _ = api.do(http.MethodGet, "/api/v1/policy/risk/"+owner, mine, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = api.do(http.MethodPut, "/api/v1/policy/risk/"+stranger, mine, map[string]any{"max_single_tx_usd": "10"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = api.do(http.MethodPut, "/api/v1/policy/risk/"+owner, mine, map[string]any{"max_slippage_pct": "150"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env = api.do(http.MethodPut, "/api/v1/policy/risk/"+owner, mine, map[string]any{"max_single_tx_usd": "10"})
	require.Equal(t, http.StatusOK, code, env.Message)
	code, _ = api.do(http.MethodGet, "/api/v1/policy/risk/"+owner, mine, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = api.do(http.MethodGet, "/api/v1/audit?kind=policy", admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, decode[[]map[string]any](t, env.Data))
}

func TestExecutionRoutes_NotFound(t *testing.T) {
	api := newTestAPI(t)
	mine := api.token(owner, auth.RoleUser)
	for _, path := range []string{"/api/v1/executions/nope", "/api/v1/executions/nope/approve"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "approve") {
			method = http.MethodPost
		}
		code, _ := api.do(method, path, mine, nil)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
	code, env := api.do(http.MethodGet, "/api/v1/executions?state=executing", mine, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]map[string]any](t, env.Data))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"store":"memory"`)
}

func TestEventStream_FiltersByWallet(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+api.token(owner, auth.RoleUser))
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.CloseNow()

	api.bus.Emit(ctx, events.Event{Type: events.TypeTransition, ExecutionID: "e-other", WalletAddress: stranger})
	api.bus.Emit(ctx, events.Event{Type: events.TypeTransition, ExecutionID: "e-mine", WalletAddress: owner, To: "executing"})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var got events.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "e-mine", got.ExecutionID)
	assert.Equal(t, "executing", got.To)
}
