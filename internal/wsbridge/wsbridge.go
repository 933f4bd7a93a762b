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

// Package wsbridge upgrades an inbound client connection to a websocket and
// pumps frames bidirectionally between it and a dialed upstream connection.
package wsbridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dhenry123/http-reverse-proxy/internal/metrics"
)

// Upgrader is shared across all bridged connections; it performs no origin
// checking since ACL host matching has already happened upstream of here.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge owns one client<->upstream websocket pairing.
type Bridge struct {
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewBridge builds a Bridge.
func NewBridge(logger *zap.Logger, rec *metrics.Recorder) *Bridge {
	return &Bridge{logger: logger, metrics: rec}
}

// Serve upgrades w/r to a websocket connection, dials upstreamURI, and
// pumps frames between the two until either side closes or errors. It
// blocks until the bridge terminates.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, upstreamURI string) error {
	client, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	upstream, _, err := dialer.Dial(upstreamURI, nil)
	if err != nil {
		b.logger.Warn("wsbridge: dial upstream failed", zap.String("uri", upstreamURI), zap.Error(err))
		_ = client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unavailable"))
		return err
	}
	defer upstream.Close()

	if b.metrics != nil {
		b.metrics.WebSocketConnsActive.Inc()
		defer b.metrics.WebSocketConnsActive.Dec()
	}

	done := make(chan struct{}, 2)
	go b.pump(client, upstream, done)
	go b.pump(upstream, client, done)
	<-done

	return nil
}

// pump copies messages from src to dst until src errors or dst fails a
// write. gorilla's Conn answers Pings and absorbs Pongs internally via its
// default control-frame handlers, so neither is ever forwarded: both are
// dropped by omission, never surfaced to pump. A Close frame from src is
// not returned as a message either; it surfaces as a *websocket.CloseError
// from ReadMessage, which is forwarded on to dst explicitly before the
// pump terminates.
func (b *Bridge) pump(src, dst *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text))
			} else {
				b.logger.Debug("wsbridge: read error terminating pump", zap.Error(err))
			}
			return
		}

		if err := dst.WriteMessage(msgType, data); err != nil {
			b.logger.Debug("wsbridge: write error terminating pump", zap.Error(err))
			return
		}
	}
}
