package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

type agentEnv struct {
	sup     *supervisor
	handler http.Handler
	peer    *x509.Certificate
}

func newTestAPI(t *testing.T) *agentEnv {
	t.Helper()
	sup := newTestSupervisor(t, "sleep", "60")

	cert, fingerprint, err := rpc.GenCertificate(t.TempDir())
	require.NoError(t, err)

	auth := rpc.AuthorizerFunc(func(f string) bool { return f == fingerprint })
	return &agentEnv{
		sup:     sup,
		handler: newApiHandler(zap.NewNop(), auth, sup),
		peer:    cert.Leaf,
	}
}

func (e *agentEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{e.peer}}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t *testing.T, w *httptest.ResponseRecorder) *T {
	t.Helper()
	out := new(T)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	return out
}

func TestAgentApiAuth(t *testing.T) {
	env := newTestAPI(t)

	// no client cert
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	// a cert the agent doesn't trust
	stranger, _, err := rpc.GenCertificate(t.TempDir())
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/health", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{stranger.Leaf}}
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, 403, w.Code)

	// the coordinator's cert
	assert.Equal(t, 200, env.do(t, "GET", "/health", nil).Code)
}

func TestAgentApiConfig(t *testing.T) {
	env := newTestAPI(t)

	w := env.do(t, "PUT", "/config", &common.ApplyConfigRequest{Generation: 1, Payload: validConfigPayload()})
	require.Equal(t, 200, w.Code)
	assert.Equal(t, int64(1), decodeResponse[common.ApplyConfigResponse](t, w).Generation)

	// retries of the same generation succeed
	w = env.do(t, "PUT", "/config", &common.ApplyConfigRequest{Generation: 1, Payload: validConfigPayload()})
	assert.Equal(t, 200, w.Code)

	// invalid payloads are rejected with the validation outcome
	w = env.do(t, "PUT", "/config", &common.ApplyConfigRequest{Generation: 2, Payload: map[string]any{}})
	require.Equal(t, 422, w.Code)
	resp := decodeResponse[common.ErrorResponse](t, w)
	require.NotNil(t, resp.Validation)
	assert.NotEmpty(t, resp.Validation.Errors)

	w = env.do(t, "PUT", "/config", &common.ApplyConfigRequest{Generation: 0, Payload: validConfigPayload()})
	assert.Equal(t, 422, w.Code)

	req := httptest.NewRequest("PUT", "/config", strings.NewReader("not json"))
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{env.peer}}
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestAgentApiRunState(t *testing.T) {
	env := newTestAPI(t)
	env.sup.resync = time.Millisecond * 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sup.Run(ctx)

	// running without a configuration is rejected
	w := env.do(t, "POST", "/runstate", &common.RunStateRequest{Desired: common.RunStateRunning})
	assert.Equal(t, 422, w.Code)

	w = env.do(t, "POST", "/runstate", &common.RunStateRequest{Desired: "paused"})
	assert.Equal(t, 400, w.Code)

	require.Equal(t, 200, env.do(t, "PUT", "/config", &common.ApplyConfigRequest{Generation: 1, Payload: validConfigPayload()}).Code)
	require.Equal(t, 200, env.do(t, "POST", "/runstate", &common.RunStateRequest{Desired: common.RunStateRunning}).Code)

	require.Eventually(t, func() bool {
		return env.sup.Sample().RunState == common.RunStateRunning
	}, time.Second*5, time.Millisecond*25)

	// repeating the request is a no-op
	require.Equal(t, 200, env.do(t, "POST", "/runstate", &common.RunStateRequest{Desired: common.RunStateRunning}).Code)

	require.Equal(t, 200, env.do(t, "POST", "/runstate", &common.RunStateRequest{Desired: common.RunStateStopped}).Code)
	require.Eventually(t, func() bool {
		return env.sup.Sample().RunState == common.RunStateStopped
	}, time.Second*5, time.Millisecond*25)
}

func TestAgentApiHealth(t *testing.T) {
	env := newTestAPI(t)

	w := env.do(t, "GET", "/health", nil)
	require.Equal(t, 200, w.Code)

	sample := decodeResponse[common.HealthSample](t, w)
	assert.Equal(t, common.RunStateStopped, sample.RunState)
	assert.Zero(t, sample.Generation)
	assert.WithinDuration(t, time.Now(), sample.Timestamp, time.Minute)
}

func TestAgentApiLogs(t *testing.T) {
	env := newTestAPI(t)
	require.NoError(t, os.WriteFile(env.sup.spec.LogFile, []byte("hello world"), 0644))

	w := env.do(t, "GET", "/logs", nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "11", w.Header().Get("X-Log-Offset"))

	w = env.do(t, "GET", "/logs?offset=11", nil)
	require.Equal(t, 200, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "11", w.Header().Get("X-Log-Offset"))

	w = env.do(t, "GET", "/logs?tail=5", nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "world", w.Body.String())

	w = env.do(t, "GET", "/logs?offset=bogus", nil)
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "cursor")
}
