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

// Package routing holds the small, pure helpers the request handler and the
// websocket bridge both need: upstream URI construction, ACL lookup for the
// antibot gate, and request classification.
package routing

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/dhenry123/http-reverse-proxy/internal/config"
)

// AntibotCookieName is the name of the cookie that satisfies the antibot
// gate once issued.
const AntibotCookieName = "antibot"

// websocketGUID is the magic value RFC 6455 section 1.3 defines for
// computing Sec-WebSocket-Accept from Sec-WebSocket-Key.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// GenerateAcceptKey computes the Sec-WebSocket-Accept value for the given
// Sec-WebSocket-Key, per RFC 6455 section 1.3:
// base64(sha1(key + GUID)).
func GenerateAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildUpstreamURI builds "{scheme}://{host}:{port}{:path?}" for server.
//
// The trailing path, when present, is appended with a literal colon rather
// than a slash. This reproduces a bug observed in the source implementation
// (see DESIGN.md); spec.md explicitly asks implementations not to guess
// intent here, so the behavior is preserved rather than corrected.
func BuildUpstreamURI(server config.BackendServer, isWebSocket bool) string {
	proto := string(server.Protocol)
	if isWebSocket {
		proto = "ws"
	}
	scheme := proto
	if server.TLS {
		scheme = proto + "s"
	}

	uri := fmt.Sprintf("%s://%s:%d", scheme, server.Host, server.Port)
	if server.Path != nil {
		uri = fmt.Sprintf("%s:%s", uri, *server.Path)
	}
	return uri
}

// IsDomainConfiguredForAntibot reports whether frontendName has an ACL for
// host with antibot enabled. Any miss (unknown frontend, unknown host, or
// antibot unset/false) returns false.
func IsDomainConfiguredForAntibot(frontendName, host string, cfg *config.Proxy) bool {
	frontend, ok := cfg.FrontendByName(frontendName)
	if !ok {
		return false
	}
	for _, acl := range frontend.ACLs {
		if acl.Host == host {
			return acl.IsAntibot()
		}
	}
	return false
}

// IsCookieAntibot reports whether the Cookie header value carries a cookie
// named "antibot". A malformed header is treated as unsatisfied, never as
// an error.
func IsCookieAntibot(cookieHeader string) bool {
	if cookieHeader == "" {
		return false
	}
	header := http.Header{"Cookie": []string{cookieHeader}}
	req := http.Request{Header: header}
	for _, c := range req.Cookies() {
		if c.Name == AntibotCookieName {
			return true
		}
	}
	return false
}

// IsWebSocketRequest reports whether r carries an Upgrade: websocket header.
func IsWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
