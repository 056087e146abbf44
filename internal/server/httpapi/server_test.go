package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/credentials"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "admin-secret"

type apiEnv struct {
	server *httptest.Server
	issuer *auth.Issuer
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	m := repomanager.NewSQLiteRepositoryManager()
	require.NoError(t, m.RunMigrations(context.Background(), db))

	hasher, err := credentials.NewHasher(1000)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer([]byte("test-secret"), 24*time.Hour)
	require.NoError(t, err)

	svc := services.NewAccountService(db, m, hasher, issuer)
	return newAPIWith(t, svc, issuer)
}

func newAPIWith(t *testing.T, accounts Accounts, issuer *auth.Issuer) *apiEnv {
	t.Helper()
	s := NewHTTPServer("127.0.0.1:0", logging.NopLogger{}, accounts, issuer, metrics.New(), testAdminSecret, time.Second)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &apiEnv{server: ts, issuer: issuer}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any, headers ...string) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *apiEnv) register(t *testing.T, email, password string) authResponse {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/auth/register", "", credentialsRequest{Email: email, Password: password})
	require.Equal(t, http.StatusCreated, status, string(body))

	var res authResponse
	require.NoError(t, json.Unmarshal(body, &res))
	return res
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func TestHealth(t *testing.T) {
	env := newAPI(t)

	status, body := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)

	var h healthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "OK", h.Status)
}

func TestRegisterAndLogin(t *testing.T) {
	env := newAPI(t)

	reg := env.register(t, "alice@example.com", "pw")
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "alice@example.com", reg.User.Email)

	status, body := env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "alice@example.com", Password: "pw"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.NotContains(t, string(body), "v2:", "credential record must never leave the server")

	var res authResponse
	require.NoError(t, json.Unmarshal(body, &res))
	id, err := env.issuer.Validate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, id.UserID)
}

func TestRegister_Errors(t *testing.T) {
	env := newAPI(t)
	env.register(t, "alice@example.com", "pw")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"duplicate", credentialsRequest{Email: "ALICE@example.com", Password: "x"}, http.StatusConflict},
		{"bad email", credentialsRequest{Email: "nope", Password: "x"}, http.StatusBadRequest},
		{"malformed json", `{"email":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.do(t, http.MethodPost, "/api/auth/register", "", tt.body)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestLogin_SameResponseForUnknownAndWrongPassword(t *testing.T) {
	env := newAPI(t)
	env.register(t, "realuser@x.com", "right")

	s1, b1 := env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "nouser@x.com", Password: "p"})
	s2, b2 := env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "realuser@x.com", Password: "wrongpass"})

	assert.Equal(t, http.StatusUnauthorized, s1)
	assert.Equal(t, s1, s2)
	assert.Equal(t, string(b1), string(b2))
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	env := newAPI(t)

	status, _ := env.do(t, http.MethodGet, "/api/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/api/users", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUserLifecycle(t *testing.T) {
	env := newAPI(t)
	admin := env.register(t, "admin@example.com", "pw")
	bob := env.register(t, "bob@example.com", "pw")
	token := admin.Token

	status, body := env.do(t, http.MethodGet, "/api/users", token, nil)
	require.Equal(t, http.StatusOK, status)
	var list []userResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	status, body = env.do(t, http.MethodGet, "/api/users/"+bob.User.ID, token, nil)
	require.Equal(t, http.StatusOK, status)
	var got userResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "bob@example.com", got.Email)

	for i := 0; i < 2; i++ {
		status, body = env.do(t, http.MethodPost, "/api/users/"+bob.User.ID+"/block", token, nil)
		require.Equal(t, http.StatusOK, status, "block call %d", i+1)
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Blocked)

	status, body = env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "bob@example.com", Password: "pw"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "account blocked", errorOf(t, body))

	status, _ = env.do(t, http.MethodPost, "/api/users/"+bob.User.ID+"/unblock", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPut, "/api/users/"+bob.User.ID, token, map[string]any{"email": "Robert@Example.com"})
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "robert@example.com", got.Email)

	status, _ = env.do(t, http.MethodPut, "/api/users/"+bob.User.ID, token, map[string]any{"email": "admin@example.com"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodDelete, "/api/users/"+bob.User.ID, token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/api/users/"+bob.User.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "user not found", errorOf(t, body))
}

func TestResetPassword(t *testing.T) {
	env := newAPI(t)
	admin := env.register(t, "admin@example.com", "pw")
	env.register(t, "carol@example.com", "original")

	status, body := env.do(t, http.MethodPost, "/api/users/reset-password", admin.Token, resetPasswordRequest{Email: "carol@example.com"})
	require.Equal(t, http.StatusOK, status, string(body))

	var res resetPasswordResponse
	require.NoError(t, json.Unmarshal(body, &res))
	require.Len(t, res.NewPassword, credentials.RandomPasswordLength)

	status, _ = env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "carol@example.com", Password: res.NewPassword})
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "carol@example.com", Password: "original"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/users/reset-password", admin.Token, resetPasswordRequest{Email: "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminDelete(t *testing.T) {
	env := newAPI(t)
	env.register(t, "dave@example.com", "pw")

	status, _ := env.do(t, http.MethodDelete, "/admin/user/dave@example.com", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodDelete, "/admin/user/dave@example.com", "", nil, common.AdminSecretHeaderName, "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := env.do(t, http.MethodDelete, "/admin/user/DAVE@example.com", "", nil, common.AdminSecretHeaderName, testAdminSecret)
	require.Equal(t, http.StatusOK, status, string(body))

	status, _ = env.do(t, http.MethodDelete, "/admin/user/dave@example.com", "", nil, common.AdminSecretHeaderName, testAdminSecret)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPI(t)
	env.do(t, http.MethodGet, "/health", "", nil)

	status, body := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `gophauth_http_requests_total{method="GET",route="GET /health",status="200"} 1`)
}

// failingAccounts fails every call it overrides; the rest panic via the
// nil embedded interface.
type failingAccounts struct {
	Accounts
	err error
}

func (f failingAccounts) Login(context.Context, string, string) (*services.AuthResult, error) {
	return nil, f.err
}

func (f failingAccounts) ListUsers(context.Context) ([]*models.User, error) {
	return nil, f.err
}

func TestErrorMapping_HidesInternalDetail(t *testing.T) {
	issuer, err := auth.NewIssuer([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"malformed record", common.ErrMalformedRecord, http.StatusInternalServerError, "internal error"},
		{"internal", errors.Join(common.ErrorInternal, errors.New("dial tcp 10.0.0.1:5432")), http.StatusInternalServerError, "internal error"},
		{"canceled", context.Canceled, http.StatusServiceUnavailable, "request canceled"},
		{"blocked", common.ErrAccountBlocked, http.StatusForbidden, "account blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIWith(t, failingAccounts{err: tt.err}, issuer)

			status, body := env.do(t, http.MethodPost, "/api/auth/login", "", credentialsRequest{Email: "a@b.c", Password: "p"})
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, errorOf(t, body))
			assert.NotContains(t, string(body), "10.0.0.1")
		})
	}

	token, err := issuer.Issue("u-1", "a@b.c")
	require.NoError(t, err)
	env := newAPIWith(t, failingAccounts{err: errors.New("boom")}, issuer)
	status, _ := env.do(t, http.MethodGet, "/api/users", token, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:0", logging.NopLogger{}, failingAccounts{}, nil, metrics.New(), "", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:99999", logging.NopLogger{}, failingAccounts{}, nil, metrics.New(), "", time.Second)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected listen error for invalid port")
	}
}

func TestRequestID(t *testing.T) {
	env := newAPI(t)

	resp, err := env.server.Client().Get(env.server.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Len(t, resp.Header.Get(requestIDHeader), 16)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-me")
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "trace-me", resp.Header.Get(requestIDHeader))
}
