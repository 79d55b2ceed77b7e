package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"myaccounts/user-api/internal/audit"
	"myaccounts/user-api/internal/auth"
	"myaccounts/user-api/internal/config"
	"myaccounts/user-api/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	handler  http.Handler
	auditBuf *bytes.Buffer
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := auth.NewService(auth.NewInMemoryAccountStore(), auth.ServiceConfig{
		Hasher: auth.NewArgon2idHasher(auth.WithTime(1), auth.WithMemory(64), auth.WithThreads(1)),
		Logger: logger,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	metrics := observability.NewMetrics()
	return &testEnv{
		handler: NewHandler(Deps{
			Auth:    svc,
			Audit:   audit.NewWriterLogger(&buf),
			Logger:  logger,
			Metrics: metrics,
		}),
		auditBuf: &buf,
		metrics:  metrics,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, username, password, name string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password, "name": name})
	rec := e.do(t, http.MethodPost, "/api/users", "", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	rec := e.do(t, http.MethodPost, "/api/users/login", "", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotEmpty(t, got.Data.Token)
	return got.Data.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got), rec.Body.String())
	return got
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
}

func TestReadyz(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	up := NewHandler(Deps{Logger: logger, Ready: func(context.Context) error { return nil }})
	down := NewHandler(Deps{Logger: logger, Ready: func(context.Context) error { return errors.New("db down") }})

	rec := httptest.NewRecorder()
	up.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRegisterSuccess(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/users", "", `{"username":"test","password":"test","name":"test"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "test", data["username"])
	assert.Equal(t, "test", data["name"])
	assert.NotEmpty(t, data["id"])
	assert.NotContains(t, rec.Body.String(), "password")
	assert.NotContains(t, rec.Body.String(), "token")
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/users", "", `{"username":"","password":"","name":""}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, []any{"The username field is required."}, errs["username"])
	assert.Equal(t, []any{"The password field is required."}, errs["password"])
	assert.Equal(t, []any{"The name field is required."}, errs["name"])
}

func TestRegisterNameTooLong(t *testing.T) {
	env := newTestEnv(t)
	body := `{"username":"test","password":"test","name":"` + strings.Repeat("x", 101) + `"}`
	rec := env.do(t, http.MethodPost, "/api/users", "", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, []any{"The name field must not be greater than 100 characters."}, errs["name"])
}

func TestRegisterDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")

	rec := env.do(t, http.MethodPost, "/api/users", "", `{"username":"test","password":"other","name":"other"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"username":["username already registered"]}}`, rec.Body.String())
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/users", "", `{"username":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"message":["invalid request body"]}}`, rec.Body.String())
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")

	rec := env.do(t, http.MethodPost, "/api/users/login", "", `{"username":"test","password":"test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "test", data["username"])
	assert.Len(t, data["token"], 64)
}

func TestLoginFailuresLookTheSame(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")

	wrongPassword := env.do(t, http.MethodPost, "/api/users/login", "", `{"username":"test","password":"salah"}`)
	unknownUser := env.do(t, http.MethodPost, "/api/users/login", "", `{"username":"salah","password":"test"}`)

	for _, rec := range []*httptest.ResponseRecorder{wrongPassword, unknownUser} {
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":{"message":["username or password wrong"]}}`, rec.Body.String())
	}
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/users/login", "", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := decode(t, rec)["error"].(map[string]any)
	assert.Contains(t, errs, "username")
	assert.Contains(t, errs, "password")
}

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	token := env.login(t, "test", "test")

	rec := env.do(t, http.MethodGet, "/api/users/current", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "test", data["username"])
	assert.Equal(t, "test", data["name"])
	assert.NotContains(t, data, "token")
}

func TestUnauthorizedRequests(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	token := env.login(t, "test", "test")

	tests := map[string]string{
		"missing header": "",
		"unknown token":  "salah",
		"bearer prefix":  "Bearer " + token,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			for _, route := range []struct{ method, path string }{
				{http.MethodGet, "/api/users/current"},
				{http.MethodPatch, "/api/users/current"},
				{http.MethodDelete, "/api/users/logout"},
			} {
				rec := env.do(t, route.method, route.path, header, "")
				assert.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
				assert.JSONEq(t, `{"error":{"message":["Unauthorized"]}}`, rec.Body.String())
			}
		})
	}
}

func TestUpdateCurrent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	token := env.login(t, "test", "test")

	rec := env.do(t, http.MethodPatch, "/api/users/current", token, `{"name":"Eko"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Eko", decode(t, rec)["data"].(map[string]any)["name"])

	rec = env.do(t, http.MethodPatch, "/api/users/current", token, `{"password":"baru"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Token survives the password change; the new password is live.
	rec = env.do(t, http.MethodGet, "/api/users/current", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/users/login", "", `{"username":"test","password":"test"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env.login(t, "test", "baru")
}

func TestUpdateCurrentNameTooLong(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	token := env.login(t, "test", "test")

	body := `{"name":"` + strings.Repeat("x", 101) + `"}`
	rec := env.do(t, http.MethodPatch, "/api/users/current", token, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/current", token, "")
	assert.Equal(t, "test", decode(t, rec)["data"].(map[string]any)["name"])
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	token := env.login(t, "test", "test")

	rec := env.do(t, http.MethodDelete, "/api/users/logout", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":true}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/users/current", token, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/users/logout", token, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecondLoginInvalidatesFirstToken(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	first := env.login(t, "test", "test")
	second := env.login(t, "test", "test")

	assert.NotEqual(t, first, second)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/users/current", first, "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/users/current", second, "").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/users/login", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")
	token := env.login(t, "test", "test")
	env.do(t, http.MethodPost, "/api/users/login", "", `{"username":"test","password":"salah"}`)
	env.do(t, http.MethodDelete, "/api/users/logout", token, "")

	var events []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(env.auditBuf.String()), "\n") {
		var e audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	require.Len(t, events, 4)
	assert.Equal(t, audit.ActionRegister, events[0].Action)
	assert.Equal(t, audit.ActionLogin, events[1].Action)
	assert.Equal(t, audit.OutcomeSuccess, events[1].Outcome)
	assert.Equal(t, audit.OutcomeFailure, events[2].Outcome)
	assert.Equal(t, "invalid credentials", events[2].Detail)
	assert.Equal(t, audit.ActionLogout, events[3].Action)
	for _, e := range events {
		assert.NotEmpty(t, e.RequestID)
		assert.NotContains(t, e.Detail, token)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "test", "test", "test")

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `route="POST /api/users"`)
	assert.Contains(t, body, "user_api_auth_events_total")
}

// failingAuth returns a store fault from every operation.
type failingAuth struct{}

var errStoreDown = errors.New("store down")

func (failingAuth) Register(context.Context, auth.RegisterInput) (auth.Account, error) {
	return auth.Account{}, errStoreDown
}

func (failingAuth) Login(context.Context, string, string) (auth.Account, string, error) {
	return auth.Account{}, "", errStoreDown
}

func (failingAuth) Authorize(context.Context, string) (auth.Account, error) {
	return auth.Account{}, errStoreDown
}

func (failingAuth) UpdateProfile(context.Context, auth.Account, auth.ProfileUpdate) (auth.Account, error) {
	return auth.Account{}, errStoreDown
}

func (failingAuth) Logout(context.Context, auth.Account) error { return errStoreDown }

func TestStoreFaultsAreInternalErrors(t *testing.T) {
	var logs bytes.Buffer
	handler := NewHandler(Deps{Auth: failingAuth{}, Logger: slog.New(slog.NewJSONHandler(&logs, nil))})

	for _, route := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/users", `{"username":"a","password":"b","name":"c"}`},
		{http.MethodPost, "/api/users/login", `{"username":"a","password":"b"}`},
		{http.MethodGet, "/api/users/current", ""},
	} {
		req := httptest.NewRequest(route.method, route.path, strings.NewReader(route.body))
		req.Header.Set("Authorization", "tok")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code, route.path)
		assert.JSONEq(t, `{"error":{"message":["internal server error"]}}`, rec.Body.String())
	}
	assert.Contains(t, logs.String(), "store down")
}

func TestServerServeAndShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(config.HTTPConfig{
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	client.CloseIdleConnections()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
