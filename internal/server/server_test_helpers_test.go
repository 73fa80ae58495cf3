package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/testdb"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testAnonKey = "test-anon-key"

type testServer struct {
	server  *httptest.Server
	backend *testdb.Backend
	tokens  *auth.TokenIssuer
}

func newTestServer(t *testing.T, limiter *WriteLimiter, configure ...func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := testdb.New(t)
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	accounts, err := auth.NewAccounts(auth.AccountsConfig{
		Database:   backend.Database,
		Hasher:     auth.FakeInsecurePasswordHasher{},
		IDProvider: ids.NewUUIDProvider(),
		Publisher:  backend.Hub,
	})
	if err != nil {
		t.Fatalf("failed to construct accounts: %v", err)
	}

	deps := Dependencies{
		Rows:         backend.Rows,
		Feed:         backend.Hub,
		Accounts:     accounts,
		TokenManager: tokens,
		WriteLimiter: limiter,
		AnonKey:      testAnonKey,
		Logger:       zap.NewNop(),
	}
	for _, apply := range configure {
		apply(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, backend: backend, tokens: tokens}
}

type testResponse struct {
	status int
	header http.Header
	body   []byte
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) testResponse {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("apikey", testAnonKey)
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return testResponse{status: response.StatusCode, header: response.Header, body: payload}
}

func decodeJSON[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		t.Fatalf("failed to decode %s: %v", payload, err)
	}
	return value
}
