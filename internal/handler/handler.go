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

// Package handler implements the per-frontend HTTP handler: Host-based ACL
// resolution, round-robin backend selection, the antibot gate, websocket
// hand-off, and forwarding of ordinary requests to the chosen backend.
package handler

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/dhenry123/http-reverse-proxy/internal/config"
	"github.com/dhenry123/http-reverse-proxy/internal/metrics"
	"github.com/dhenry123/http-reverse-proxy/internal/routing"
	"github.com/dhenry123/http-reverse-proxy/internal/tracker"
	"github.com/dhenry123/http-reverse-proxy/internal/wsbridge"
)

// Frontend is the per-request view of a frontend's mutable state: its
// config store, its round-robin tracker, and its name, all bundled so
// ServeHTTP can resolve everything it needs from one struct.
type Frontend struct {
	Name         string
	ConfigStore  *config.Store
	Tracker      *tracker.Store
	InternalAddr string // "127.0.0.1:port" of the internal server (C5)
}

// Handler is the http.Handler installed on a frontend's *http.Server.
type Handler struct {
	frontend *Frontend
	client   *http.Client
	bridge   *wsbridge.Bridge
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

// New builds a Handler for the given frontend.
func New(frontend *Frontend, bridge *wsbridge.Bridge, rec *metrics.Recorder, logger *zap.Logger) *Handler {
	return &Handler{
		frontend: frontend,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		bridge:  bridge,
		metrics: rec,
		logger:  logger,
	}
}

func (h *Handler) internalURL(path string) string {
	return "http://" + h.frontend.InternalAddr + path
}

func (h *Handler) recordOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(h.frontend.Name, outcome).Inc()
	}
}

// ServeHTTP resolves the inbound Host header against the frontend's ACLs,
// selects a backend via round-robin, and then either bridges a websocket
// upgrade, applies the antibot gate, or forwards an ordinary HTTP request.
//
// The order matters: a missing backend always wins (no_backend takes
// precedence regardless of whether the request is a websocket upgrade or
// antibot-protected), and a websocket upgrade is never diverted to the
// antibot interstitial — the antibot gate only applies on the plain-HTTP
// branch once a backend is known to exist.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	if host == "" {
		h.hijackAndClose(w, "missing Host header")
		return
	}

	cfg := h.frontend.ConfigStore.Load()
	isWS := routing.IsWebSocketRequest(r)

	server, ok := h.frontend.Tracker.Load().GetNextBackend(host)
	if !ok {
		h.recordOutcome("no_backend")
		h.proxyToInternal(w, r, "/_internal_server/no_backend_server_available/?host="+url.QueryEscape(host))
		return
	}
	if h.metrics != nil {
		h.metrics.BackendSelectedTotal.WithLabelValues(host).Inc()
	}

	upstreamURI := routing.BuildUpstreamURI(server, isWS)

	if isWS {
		h.recordOutcome("websocket")
		if err := h.bridge.Serve(w, r, upstreamURI); err != nil {
			h.logger.Warn("handler: websocket bridge failed", zap.String("host", host), zap.Error(err))
		}
		return
	}

	if routing.IsDomainConfiguredForAntibot(h.frontend.Name, host, cfg) &&
		!routing.IsCookieAntibot(r.Header.Get("Cookie")) {
		h.recordOutcome("antibot")
		h.proxyToInternal(w, r, "/_internal_server/antibot?host="+url.QueryEscape(host))
		return
	}

	h.forward(w, r, upstreamURI, host)
}

// forward builds an outbound request to upstreamURI+RequestURI, copying
// every inbound header verbatim and appending X-Forwarded-For/X-Real-IP,
// then relays the backend's response (rewriting an absolute 3xx Location
// to point back at the original Host).
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, upstreamURI, host string) {
	target := upstreamURI + r.URL.RequestURI()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		h.logger.Error("handler: build forwarded request", zap.Error(err))
		h.fallbackToInternalOrHijack(w, r, host)
		return
	}

	outReq.Header = r.Header.Clone()
	outReq.Host = r.Host

	if peerIP := peerAddrIP(r.RemoteAddr); peerIP != "" {
		outReq.Header.Add("X-Forwarded-For", peerIP)
		outReq.Header.Add("X-Real-IP", peerIP)
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.logger.Warn("handler: forward to backend failed", zap.String("host", host), zap.Error(err))
		h.fallbackToInternalOrHijack(w, r, host)
		return
	}
	defer resp.Body.Close()

	h.recordOutcome("proxied")
	h.relayResponse(w, resp, host)
}

// fallbackToInternalOrHijack is the handler's one retry: if forwarding to
// the live backend fails, it tries the internal "no backend available"
// route once; if that also fails, it hijacks and closes the connection to
// surface the failure to the caller without risking a half-written
// response.
func (h *Handler) fallbackToInternalOrHijack(w http.ResponseWriter, r *http.Request, host string) {
	h.recordOutcome("forward_error")

	resp, err := h.client.Get(h.internalURL("/_internal_server/no_backend_server_available/?host=" + url.QueryEscape(host)))
	if err != nil {
		h.hijackAndClose(w, "forward failed and internal fallback unreachable")
		return
	}
	defer resp.Body.Close()
	h.relayResponse(w, resp, host)
}

func (h *Handler) proxyToInternal(w http.ResponseWriter, r *http.Request, path string) {
	resp, err := h.client.Get(h.internalURL(path))
	if err != nil {
		h.hijackAndClose(w, "internal server unreachable")
		return
	}
	defer resp.Body.Close()
	h.relayResponse(w, resp, hostOnly(r.Host))
}

func (h *Handler) relayResponse(w http.ResponseWriter, resp *http.Response, originalHost string) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			if parsed, err := url.Parse(loc); err == nil && parsed.IsAbs() {
				w.Header().Set("Location", "https://"+originalHost+parsed.RequestURI())
			}
		}
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (h *Handler) hijackAndClose(w http.ResponseWriter, reason string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("handler: hijack failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	h.logger.Warn("handler: closing connection", zap.String("reason", reason))
	_ = conn.Close()
}

func hostOnly(hostHeader string) string {
	if hostHeader == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	return hostHeader
}

func peerAddrIP(remoteAddr string) string {
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return ip
	}
	return remoteAddr
}

