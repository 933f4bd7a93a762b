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

package internalserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(NewDefaultRenderer(), zap.NewNop(), "127.0.0.1:0")
}

func TestHandleNoBackendReturns503WithHTML(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_internal_server/no_backend_server_available/a.test", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "503")
}

func TestHandleAntibotSetsCookie(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_internal_server/antibot", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := rec.Result()
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "antibot" {
			found = true
			require.True(t, c.HttpOnly)
			require.Equal(t, "/", c.Path)
			require.Equal(t, "a.test", c.Domain)
			require.Equal(t, http.SameSiteStrictMode, c.SameSite)
			require.NotEmpty(t, c.Value)
		}
	}
	require.True(t, found, "expected antibot cookie to be set")
}

func TestHandleWebSocketUpgradeReturns101(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_internal_server/websocket/s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	require.Equal(t, "websocket", rec.Header().Get("Upgrade"))
	require.Equal(t, "Upgrade", rec.Header().Get("Connection"))
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", rec.Header().Get("Sec-WebSocket-Accept"))
}

func TestCatchAllReturns503(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_internal_server/nonexistent", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenOnFreePort(t *testing.T) {
	ln, addr, err := ListenOnFreePort(19000, 19010)
	require.NoError(t, err)
	defer ln.Close()
	require.Contains(t, addr, "127.0.0.1:")
}
