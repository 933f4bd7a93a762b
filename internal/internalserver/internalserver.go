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

// Package internalserver implements the loopback HTTP server the proxy
// calls into to synthesize the three response shapes an ordinary proxied
// request cannot produce on its own: "no backend available" (503), the
// antibot interstitial (503 + Set-Cookie), and a completed websocket
// upgrade handshake (101). Folding them through a single real HTTP server
// means the handler always deals with one response type, whether it came
// from here or from an upstream backend. The handler calls the 503 routes;
// its live websocket path upgrades in-process and does not call the 101
// route.
package internalserver

import (
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhenry123/http-reverse-proxy/internal/routing"
)

// PageRenderer produces the HTML body for a synthesized response. It is an
// injectable collaborator so the interstitial/error pages can be themed
// without touching routing logic.
type PageRenderer interface {
	NoBackendAvailable(host string) (string, error)
	Antibot(host string) (string, error)
}

// DefaultRenderer is the built-in PageRenderer, using html/template.
type DefaultRenderer struct {
	noBackend *template.Template
	antibot   *template.Template
}

// NewDefaultRenderer builds a DefaultRenderer from built-in templates.
func NewDefaultRenderer() *DefaultRenderer {
	return &DefaultRenderer{
		noBackend: template.Must(template.New("no_backend").Parse(noBackendTemplate)),
		antibot:   template.Must(template.New("antibot").Parse(antibotTemplate)),
	}
}

const noBackendTemplate = `<!DOCTYPE html>
<html><head><title>Service unavailable</title></head>
<body><h1>503 Service Unavailable</h1><p>No backend server is available for {{.}}.</p></body></html>
`

const antibotTemplate = `<!DOCTYPE html>
<html><head><title>Checking your browser</title></head>
<body><h1>Just a moment...</h1><p>Verifying you are not a robot for {{.}}.</p></body></html>
`

func (d *DefaultRenderer) NoBackendAvailable(host string) (string, error) {
	return renderToString(d.noBackend, host)
}

func (d *DefaultRenderer) Antibot(host string) (string, error) {
	return renderToString(d.antibot, host)
}

func renderToString(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("internalserver: render template: %w", err)
	}
	return sb.String(), nil
}

// AntibotCookieTTL is how long an issued antibot cookie remains valid.
const AntibotCookieTTL = 2 * time.Hour

// Server is the internal loopback HTTP server.
type Server struct {
	router   chi.Router
	renderer PageRenderer
	logger   *zap.Logger
	addr     string
}

// NewServer builds the chi router for the internal endpoints. addr is the
// address the server will ultimately listen on (127.0.0.1:port); it is
// stored on the Server and not read by any route handler.
func NewServer(renderer PageRenderer, logger *zap.Logger, addr string) *Server {
	s := &Server{renderer: renderer, logger: logger, addr: addr}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/_internal_server/no_backend_server_available/*", s.handleNoBackend)
	r.Get("/_internal_server/antibot", s.handleAntibot)
	r.Get("/_internal_server/websocket/{accept}", s.handleWebSocketUpgrade)
	r.NotFound(s.handleNotFound)

	return r
}

// Router exposes the chi.Router so a higher level can mount additional
// routes (such as /metrics) before the server starts listening.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) handleNoBackend(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = r.Host
	}
	body, err := s.renderer.NoBackendAvailable(host)
	if err != nil {
		s.logger.Error("internalserver: render no_backend page", zap.Error(err))
		body = "503 Service Unavailable"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleAntibot(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = r.Host
	}
	body, err := s.renderer.Antibot(host)
	if err != nil {
		s.logger.Error("internalserver: render antibot page", zap.Error(err))
		body = "503 Service Unavailable"
	}

	http.SetCookie(w, &http.Cookie{
		Name:     routing.AntibotCookieName,
		Value:    uuid.NewString(),
		Domain:   host,
		Path:     "/",
		MaxAge:   int(AntibotCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	accept := chi.URLParam(r, "accept")

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("route not found"))
}

// Serve runs an http.Server on ln using this server's router until ln is
// closed or serving otherwise fails.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.Serve(ln)
}

// ListenOnFreePort scans [from, to] for the first port that accepts a
// loopback listener and returns the bound listener and its "127.0.0.1:port"
// address. Callers are responsible for closing the listener.
func ListenOnFreePort(from, to int) (net.Listener, string, error) {
	for port := from; port <= to; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, addr, nil
		}
	}
	return nil, "", fmt.Errorf("internalserver: no free port in range [%d, %d]", from, to)
}
