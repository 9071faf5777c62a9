package server

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/budget"
	"github.com/zulandar/senderyard/internal/config"
	"github.com/zulandar/senderyard/internal/db"
	"github.com/zulandar/senderyard/internal/dispatch"
	"github.com/zulandar/senderyard/internal/logging"
	"github.com/zulandar/senderyard/internal/models"
	"github.com/zulandar/senderyard/internal/queue"
	"github.com/zulandar/senderyard/internal/session"
	"github.com/zulandar/senderyard/internal/vault"
)

const testSecret = "worker-secret"

type harness struct {
	router *gin.Engine
	db     *gorm.DB
	q      *queue.Queue
	store  *session.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	v, err := vault.New("test vault secret")
	require.NoError(t, err)

	policy := budget.NewPolicy("low", map[string]map[string]int{
		"low": {"connect": 3, "message": 10},
	}, nil)
	ledger := budget.NewSQLLedger(gdb)
	q := queue.New(gdb, ledger, policy)
	store := session.New(gdb, v)
	reg := prometheus.NewRegistry()
	d := dispatch.New(gdb, q, store, ledger, policy, dispatch.Options{MaxBatch: 10},
		dispatch.WithMetrics(dispatch.InitMetrics(reg)))

	router, err := NewRouter(StartOpts{Dispatcher: d, DB: gdb, Secret: testSecret, Gatherer: reg})
	require.NoError(t, err)

	require.NoError(t, gdb.Create(&models.Sender{ID: "s-1", WorkspaceID: "acme", Tier: "low", SessionStatus: models.SessionActive}).Error)
	require.NoError(t, gdb.Create(&models.Person{ID: "p-1", LinkedInURL: "https://www.linkedin.com/in/p1"}).Error)

	return &harness{router: router, db: gdb, q: q, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return h.doAuth(t, method, path, body, "Bearer "+testSecret)
}

func (h *harness) doAuth(t *testing.T, method, path string, body interface{}, auth string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) enqueue(t *testing.T, actionType string) string {
	t.Helper()
	a, err := h.q.Enqueue(context.Background(), queue.EnqueueOpts{SenderID: "s-1", PersonID: "p-1", ActionType: actionType})
	require.NoError(t, err)
	return a.ID
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func TestNewRouter_RequiresDependencies(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	assert.ErrorContains(t, err, "dispatcher is required")
}

func TestAuth(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		auth string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + testSecret},
		{"wrong token", "Bearer nope"},
		{"double space", "Bearer  " + testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.doAuth(t, http.MethodGet, "/senders", nil, tt.auth)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, api.CodeUnauthorized, decode[api.ErrorResponse](t, rr).Code)
		})
	}
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)

	rr := h.doAuth(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[api.HealthzResponse](t, rr).Status)

	h.enqueue(t, models.TypeConnect)
	h.do(t, http.MethodGet, "/actions/next?senderId=s-1", nil)

	rr = h.doAuth(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "senderyard_actions_claimed_total")
}

func TestNextActions(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, models.TypeConnect)
	h.enqueue(t, models.TypeMessage)

	rr := h.do(t, http.MethodGet, "/actions/next?senderId=s-1&limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[api.NextActionsResponse](t, rr)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, first, got.Actions[0].ID)
	assert.Equal(t, "https://www.linkedin.com/in/p1", got.Actions[0].LinkedInURL)

	rr = h.do(t, http.MethodGet, "/actions/next?senderId=s-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"actions":[]}`, rr.Body.String())
}

func TestNextActions_BadInput(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/actions/next", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodGet, "/actions/next?senderId=s-1&limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodGet, "/actions/next?senderId=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, api.CodeNotFound, decode[api.ErrorResponse](t, rr).Code)
}

func TestCompleteAndFail(t *testing.T) {
	h := newHarness(t)
	done := h.enqueue(t, models.TypeConnect)
	failed := h.enqueue(t, models.TypeMessage)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/actions/next?senderId=s-1", nil).Code)

	rr := h.do(t, http.MethodPost, "/actions/"+done+"/complete", api.CompleteRequest{Result: json.RawMessage(`"sent"`)})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true}`, rr.Body.String())

	rr = h.do(t, http.MethodPost, "/actions/"+done+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, api.CodeNotRunning, decode[api.ErrorResponse](t, rr).Code)

	rr = h.do(t, http.MethodPost, "/actions/"+failed+"/fail", api.FailRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/actions/"+failed+"/fail", api.FailRequest{Error: "no button"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodPost, "/actions/nope/complete", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	a, err := h.q.Get(context.Background(), done)
	require.NoError(t, err)
	assert.Equal(t, models.ActionComplete, a.Status)
	assert.Equal(t, `"sent"`, a.Result)
}

func TestPayloadAndResultAreJSONValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.q.Enqueue(ctx, queue.EnqueueOpts{SenderID: "s-1", PersonID: "p-1", ActionType: models.TypeMessage, Payload: `{"message":"hi"}`})
	require.NoError(t, err)

	rr := h.do(t, http.MethodGet, "/actions/next?senderId=s-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var raw struct {
		Actions []map[string]json.RawMessage `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	require.Len(t, raw.Actions, 1)
	assert.JSONEq(t, `{"message":"hi"}`, string(raw.Actions[0]["payload"]))

	body := map[string]interface{}{"result": map[string]string{"messageId": "m-1"}}
	rr = h.do(t, http.MethodPost, "/actions/"+a.ID+"/complete", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err := h.q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionComplete, stored.Status)
	assert.JSONEq(t, `{"messageId":"m-1"}`, stored.Result)
}

func TestComplete_NullResultStoredEmpty(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, models.TypeConnect)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/actions/next?senderId=s-1", nil).Code)

	rr := h.do(t, http.MethodPost, "/actions/"+id+"/complete", map[string]interface{}{"result": nil})
	require.Equal(t, http.StatusOK, rr.Code)
	a, err := h.q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, a.Result)
}

func TestSessionRoundTrip(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/senders/s-1/cookies", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cookies":null}`, rr.Body.String())

	jar := []api.Cookie{{Name: "li_at", Value: "abc", Domain: ".linkedin.com", Path: "/", Secure: true, HTTPOnly: true}}
	rr = h.do(t, http.MethodPost, "/senders/s-1/session", api.SaveSessionRequest{Cookies: jar})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/senders/s-1/cookies", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, jar, decode[api.CookiesResponse](t, rr).Cookies)

	rr = h.do(t, http.MethodGet, "/senders?workspace=acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	senders := decode[api.SendersResponse](t, rr).Senders
	require.Len(t, senders, 1)
	assert.Equal(t, models.SessionActive, senders[0].SessionStatus)
	assert.Equal(t, jar, senders[0].Cookies)

	rr = h.do(t, http.MethodPost, "/senders/s-1/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/senders/ghost/session", api.SaveSessionRequest{Cookies: jar})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCredentials(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/senders/s-1/credentials", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, h.store.SaveCredentials(context.Background(), "s-1", session.Credentials{
		Email: "a@example.com", Password: "pw", TOTPSecret: "JBSWY3DPEHPK3PXP",
	}))
	rr = h.do(t, http.MethodGet, "/senders/s-1/credentials", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[api.CredentialsResponse](t, rr)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, "pw", got.Password)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSecret)

	require.NoError(t, h.db.Model(&models.Sender{}).Where("id = ?", "s-1").
		Update("credentials", []byte("garbage")).Error)
	rr = h.do(t, http.MethodGet, "/senders/s-1/credentials", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, api.CodeDecryptFailure, decode[api.ErrorResponse](t, rr).Code)
}

func TestSetHealth(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPatch, "/senders/s-1/health", api.HealthRequest{HealthStatus: models.HealthSessionExpired, Reason: "redirected to login"})
	require.Equal(t, http.StatusOK, rr.Code)

	s, err := h.store.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthSessionExpired, s.HealthStatus)
	assert.Equal(t, models.SessionExpired, s.SessionStatus)

	events, err := h.store.HealthHistory(context.Background(), "s-1", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, session.SourceWorker, events[0].Source)

	rr = h.do(t, http.MethodPatch, "/senders/s-1/health", api.HealthRequest{HealthStatus: "sleepy"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPatch, "/senders/ghost/health", api.HealthRequest{HealthStatus: models.HealthPaused})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUsage(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, models.TypeConnect)
	h.do(t, http.MethodGet, "/actions/next?senderId=s-1", nil)
	h.do(t, http.MethodPost, "/actions/"+id+"/complete", nil)

	rr := h.do(t, http.MethodGet, "/usage/s-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[api.UsageResponse](t, rr)
	assert.Equal(t, "s-1", got.SenderID)
	require.Len(t, got.Usage, 2)
	assert.Equal(t, api.TypeUsage{ActionType: "connect", Limit: 3, Consumed: 1, Reserved: 0, Remaining: 2, Available: 2}, got.Usage[0])

	rr = h.do(t, http.MethodGet, "/usage/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSenderEndpointsRetryTransientErrors(t *testing.T) {
	h := newHarness(t)
	remaining := 0
	require.NoError(t, h.db.Callback().Query().Before("gorm:query").Register("test:drop_conn", func(tx *gorm.DB) {
		if tx.Statement.Table == "senders" && remaining > 0 {
			remaining--
			tx.AddError(driver.ErrBadConn)
		}
	}))

	for _, path := range []string{"/senders", "/senders/s-1/cookies", "/usage/s-1"} {
		remaining = 1
		rr := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rr.Code, "%s: %s", path, rr.Body.String())
		assert.Zero(t, remaining, "%s did not hit the store", path)
	}

	remaining = 100
	rr := h.do(t, http.MethodGet, "/senders/s-1/cookies", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, api.CodeInternal, decode[api.ErrorResponse](t, rr).Code)
}

func TestWriteError_LogsInternalErrorsToRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.ErrorLevel)
	newContext := func() (*gin.Context, *httptest.ResponseRecorder) {
		rr := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rr)
		req := httptest.NewRequest(http.MethodGet, "/senders", nil)
		c.Request = req.WithContext(logging.WithLogger(req.Context(), zap.New(core)))
		return c, rr
	}

	c, rr := newContext()
	writeError(c, errors.New("connection pool exhausted"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal error","code":"internal"}`, rr.Body.String())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "connection pool exhausted", logs.All()[0].ContextMap()["error"])

	c, rr = newContext()
	writeError(c, queue.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 1, logs.Len(), "client errors are left to the request log")
}
