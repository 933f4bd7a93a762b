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

// Package frontend runs the listening endpoints the proxy exposes to
// clients: a plain HTTP frontend, and a TLS frontend with an admission
// control limit on concurrently-open connections.
package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dhenry123/http-reverse-proxy/internal/logging"
	"github.com/dhenry123/http-reverse-proxy/internal/metrics"
	"github.com/dhenry123/http-reverse-proxy/internal/tlsconfig"
)

// DefaultAdmissionLimit bounds how many TLS connections may be open at once
// on a single frontend (counted from accept until the connection closes),
// protecting it from handshake-flood exhaustion.
const DefaultAdmissionLimit = 100

// Server wraps an *http.Server for one configured frontend.
type Server struct {
	name    string
	addr    string
	tls     bool
	http    *http.Server
	metrics *metrics.Recorder
	logger  *zap.Logger
}

// New builds a Server. When tlsStore is non-nil the frontend serves TLS,
// resolving certificates by SNI; otherwise it serves plain HTTP.
//
// net/http has no hook for per-handshake failure events, only the
// aggregate ErrorLog stream, so TLS handshake failures are observed there
// (tagged with frontend name and peer address) rather than through the
// reverse_proxy_tls_handshake_failures_total counter; rec is retained for
// frontend-scoped counters that do have a clean hook point (admission
// rejections, once added).
func New(name, addr string, handler http.Handler, tlsStore *tlsconfig.Store, rec *metrics.Recorder, logger *zap.Logger) *Server {
	taggedLogger := logger.With(zap.String("frontend", name))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.StdLogAdapter(taggedLogger),
	}

	if tlsStore != nil {
		srv.TLSConfig = tlsStore.Config()
	}

	return &Server{
		name:    name,
		addr:    addr,
		tls:     tlsStore != nil,
		http:    srv,
		metrics: rec,
		logger:  taggedLogger,
	}
}

// admittingListener gates Accept() behind a buffered-channel semaphore, so
// no more than its capacity worth of connections are open at once; a slot
// is taken before Accept and released when the accepted connection is
// closed, so it is held through the handshake and any keep-alive requests.
type admittingListener struct {
	net.Listener
	sem chan struct{}
}

func (l *admittingListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &releasingConn{Conn: conn, sem: l.sem}, nil
}

type releasingConn struct {
	net.Conn
	sem      chan struct{}
	released bool
}

func (c *releasingConn) Close() error {
	if !c.released {
		c.released = true
		<-c.sem
	}
	return c.Conn.Close()
}

// Run starts listening and blocks until ctx is canceled or Serve fails.
// TLS frontends are wrapped with an admission-controlled listener so a
// burst of handshakes cannot exhaust the process.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("frontend %s: listen on %s: %w", s.name, s.addr, err)
	}

	if s.tls {
		ln = &admittingListener{Listener: ln, sem: make(chan struct{}, DefaultAdmissionLimit)}
		ln = tls.NewListener(ln, s.http.TLSConfig)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		// In-flight requests are dropped, not drained.
		_ = s.http.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
