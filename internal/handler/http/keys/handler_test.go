package keys

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/middleware"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/memory"
	"github.com/burhanwani/WhatsAppSimulator/internal/service/keys"
	"github.com/burhanwani/WhatsAppSimulator/pkg/jwt"
	"github.com/burhanwani/WhatsAppSimulator/pkg/response"
)

type testServer struct {
	router  *gin.Engine
	manager *jwt.JWTManager
	pem     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := jwt.NewJWTManager("test-secret", time.Minute, "relay", "relay-api")
	handler := NewHandler(keys.NewService(memory.NewKeysRepository(), nil, nil))

	router := gin.New()
	handler.Mount(router, middleware.AuthMiddleware(middleware.NewTokenVerifier(manager, nil)))

	priv, err := crypto.GenerateKeyPair(crypto.DefaultRSABits)
	require.NoError(t, err)
	pem, err := crypto.EncodePublicKey(&priv.PublicKey)
	require.NoError(t, err)

	return &testServer{router: router, manager: manager, pem: pem}
}

func (s *testServer) do(t *testing.T, method, path, identity string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		token, err := s.manager.GenerateAccessToken(identity)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestPutThenGet(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/keys/alice", "alice", map[string]string{"publicKey": s.pem})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/keys/alice", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got domain.KeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, s.pem, got.PublicKey)
}

func TestPutInvalidKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/keys/alice", "alice", map[string]string{"publicKey": "garbage"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_KEY_FORMAT", errorCode(t, w))
}

func TestPutMissingKeyIsInvalidKeyFormat(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/keys/alice", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_KEY_FORMAT", errorCode(t, w))

	w = s.do(t, http.MethodPut, "/keys/alice", "alice", map[string]string{"publicKey": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_KEY_FORMAT", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/keys", "alice", map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_KEY_FORMAT", errorCode(t, w))
}

func TestPutMalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/keys/alice", bytes.NewBufferString("{not json"))
	token, err := s.manager.GenerateAccessToken("alice")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestRoutesServedAtRootAndV1(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/keys/alice", "alice", map[string]string{"publicKey": s.pem})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/keys/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/v1/keys/alice", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPutForAnotherUser(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/keys/alice", "mallory", map[string]string{"publicKey": s.pem})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetUnknown(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/keys/ghost", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestPostLegacyRoute(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/keys", "alice", map[string]string{"user_id": "alice", "public_key": s.pem})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/keys/alice", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
