// Copyright 2026 The http-reverse-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handler

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhenry123/http-reverse-proxy/internal/config"
	"github.com/dhenry123/http-reverse-proxy/internal/internalserver"
	"github.com/dhenry123/http-reverse-proxy/internal/metrics"
	"github.com/dhenry123/http-reverse-proxy/internal/tracker"
	"github.com/dhenry123/http-reverse-proxy/internal/wsbridge"
)

func boolPtr(b bool) *bool { return &b }

func startInternalServer(t *testing.T) string {
	t.Helper()
	ln, addr, err := internalserver.ListenOnFreePort(20000, 20100)
	require.NoError(t, err)
	srv := internalserver.NewServer(internalserver.NewDefaultRenderer(), zap.NewNop(), addr)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { ln.Close() })
	return addr
}

func newTestHandler(t *testing.T, cfg *config.Proxy) *Handler {
	t.Helper()
	internalAddr := startInternalServer(t)

	fe := &Frontend{
		Name:         "fe1",
		ConfigStore:  config.NewStore(cfg),
		Tracker:      tracker.NewStore(tracker.Populate("fe1", cfg)),
		InternalAddr: internalAddr,
	}
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	bridge := wsbridge.NewBridge(zap.NewNop(), rec)
	return New(fe, bridge, rec, zap.NewNop())
}

func backendConfig(backend string, port uint16, antibot *bool) *config.Proxy {
	return &config.Proxy{
		Frontends: []config.FrontEnd{
			{
				Name: "fe1",
				ACLs: []config.ACL{
					{Name: "a", Host: "a.test", Backend: backend, Antibot: antibot},
				},
			},
		},
		PoolBackends: []config.Backend{
			{Name: backend, Servers: []string{"s1"}},
		},
		PoolServers: []config.BackendServer{
			{Name: "s1", Host: "127.0.0.1", Port: port, Protocol: config.ProtocolHTTP, Active: true},
		},
	}
}

func TestServeHTTPMissingHostHijacks(t *testing.T) {
	h := newTestHandler(t, backendConfig("b1", 9001, nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeHTTPNoBackendReturns503FromInternalServer(t *testing.T) {
	cfg := backendConfig("b1", 9001, nil)
	cfg.PoolServers[0].Active = false
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPAntibotWithoutCookieReturns503AndSetsCookie(t *testing.T) {
	h := newTestHandler(t, backendConfig("b1", 9001, boolPtr(true)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Header().Get("Set-Cookie"), "antibot=")
}

func TestServeHTTPNoBackendTakesPrecedenceOverAntibot(t *testing.T) {
	cfg := backendConfig("b1", 9001, boolPtr(true))
	cfg.PoolServers[0].Active = false
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, rec.Header().Get("Set-Cookie"), "no_backend must win over the antibot gate when no server is live")
}

func TestServeHTTPWebSocketBypassesAntibotGate(t *testing.T) {
	h := newTestHandler(t, backendConfig("b1", 9001, boolPtr(true)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	// An antibot-protected host with no cookie still takes the websocket
	// branch rather than being diverted to the 503 interstitial:
	// httptest.ResponseRecorder can't hijack, so gorilla's Upgrade fails
	// with a 500 of its own, which is what distinguishes this from the
	// antibot branch (no antibot Set-Cookie header is ever written).
	require.Empty(t, rec.Header().Get("Set-Cookie"))
	require.NotEqual(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPAntibotWithCookieProxiesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("backend-ok"))
	}))
	defer backend.Close()

	port := mustPort(t, backend.URL)
	h := newTestHandler(t, backendConfig("b1", port, boolPtr(true)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	req.Header.Set("Cookie", "antibot=some-uuid")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "backend-ok", rec.Body.String())
}

func TestServeHTTPForwardsVerbatimHeadersAndForwardedFor(t *testing.T) {
	var gotXFF, gotCustom string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	port := mustPort(t, backend.URL)
	h := newTestHandler(t, backendConfig("b1", port, nil))

	req := httptest.NewRequest(http.MethodGet, "/path?q=1", nil)
	req.Host = "a.test"
	req.RemoteAddr = "203.0.113.7:54321"
	req.Header.Set("X-Custom", "value")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "203.0.113.7", gotXFF)
	require.Equal(t, "value", gotCustom)
}

func TestServeHTTPRewritesAbsoluteRedirectLocation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://internal-backend.local/next?x=1")
		w.WriteHeader(http.StatusFound)
	}))
	defer backend.Close()

	port := mustPort(t, backend.URL)
	h := newTestHandler(t, backendConfig("b1", port, nil))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://a.test/next?x=1", rec.Header().Get("Location"))
}

func mustPort(t *testing.T, rawURL string) uint16 {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(p)
}
