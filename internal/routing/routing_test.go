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

package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dhenry123/http-reverse-proxy/internal/config"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestBuildUpstreamURIWithoutPath(t *testing.T) {
	s := config.BackendServer{Host: "127.0.0.1", Port: 9001, Protocol: config.ProtocolHTTP}
	require.Equal(t, "http://127.0.0.1:9001", BuildUpstreamURI(s, false))
}

func TestBuildUpstreamURITLS(t *testing.T) {
	s := config.BackendServer{Host: "127.0.0.1", Port: 9001, Protocol: config.ProtocolHTTP, TLS: true}
	require.Equal(t, "https://127.0.0.1:9001", BuildUpstreamURI(s, false))
}

func TestBuildUpstreamURIWebSocket(t *testing.T) {
	s := config.BackendServer{Host: "127.0.0.1", Port: 9001, Protocol: config.ProtocolHTTP}
	require.Equal(t, "ws://127.0.0.1:9001", BuildUpstreamURI(s, true))
}

func TestBuildUpstreamURIWithPathAppendsColonNotSlash(t *testing.T) {
	s := config.BackendServer{Host: "127.0.0.1", Port: 9001, Protocol: config.ProtocolHTTP, Path: strPtr("/app")}
	require.Equal(t, "http://127.0.0.1:9001:/app", BuildUpstreamURI(s, false))
}

func TestBuildUpstreamURIStableWithoutPath(t *testing.T) {
	s := config.BackendServer{Host: "127.0.0.1", Port: 9001, Protocol: config.ProtocolHTTP}
	require.Equal(t, BuildUpstreamURI(s, false), BuildUpstreamURI(s, false))
}

func TestIsDomainConfiguredForAntibot(t *testing.T) {
	cfg := &config.Proxy{
		Frontends: []config.FrontEnd{
			{
				Name: "fe1",
				ACLs: []config.ACL{
					{Name: "a", Host: "a.test", Backend: "b1", Antibot: boolPtr(true)},
					{Name: "b", Host: "b.test", Backend: "b1"},
				},
			},
		},
	}

	require.True(t, IsDomainConfiguredForAntibot("fe1", "a.test", cfg))
	require.False(t, IsDomainConfiguredForAntibot("fe1", "b.test", cfg))
	require.False(t, IsDomainConfiguredForAntibot("fe1", "unknown.test", cfg))
	require.False(t, IsDomainConfiguredForAntibot("no-such-frontend", "a.test", cfg))
}

func TestIsCookieAntibot(t *testing.T) {
	require.True(t, IsCookieAntibot("antibot=abc123"))
	require.True(t, IsCookieAntibot("foo=bar; antibot=abc123"))
	require.False(t, IsCookieAntibot("foo=bar"))
	require.False(t, IsCookieAntibot(""))
}

func TestIsWebSocketRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.False(t, IsWebSocketRequest(r))

	r.Header.Set("Upgrade", "websocket")
	require.True(t, IsWebSocketRequest(r))

	r.Header.Set("Upgrade", "WebSocket")
	require.True(t, IsWebSocketRequest(r))
}

func TestGenerateAcceptKeyRFC6455Vector(t *testing.T) {
	require.Equal(t,
		"s3pPLMBiTxaQ9kYGzzhZRbK+xOo=",
		GenerateAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="),
	)
}
