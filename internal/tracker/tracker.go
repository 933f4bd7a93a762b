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

// Package tracker builds and serves the per-frontend Host -> backend-servers
// round-robin table.
package tracker

import (
	"sync/atomic"

	"github.com/dhenry123/http-reverse-proxy/internal/config"
)

// row is one host's ordered server list plus its round-robin cursor.
type row struct {
	servers []config.BackendServer
	cursor  atomic.Uint64
}

// Tracker is an immutable, per-frontend Host -> servers mapping. Once built
// by Populate it is never mutated; reloads build a brand new Tracker and
// publish it through a Store, exactly like a config.Proxy snapshot.
type Tracker struct {
	rows map[string]*row
}

// Populate builds the tracker for frontendName by joining that frontend's
// ACLs against cfg's backends and servers. Hosts whose ACL references a
// missing backend, or whose backend references missing servers, resolve to
// an empty (but present) server list rather than a missing map entry or an
// error, per the "no backend available" contract.
func Populate(frontendName string, cfg *config.Proxy) *Tracker {
	t := &Tracker{rows: make(map[string]*row)}

	frontend, ok := cfg.FrontendByName(frontendName)
	if !ok {
		return t
	}

	backendsByName := make(map[string][]string, len(cfg.PoolBackends))
	for _, b := range cfg.PoolBackends {
		backendsByName[b.Name] = b.Servers
	}

	for _, acl := range frontend.ACLs {
		memberNames, ok := backendsByName[acl.Backend]
		if !ok {
			t.rows[acl.Host] = &row{servers: nil}
			continue
		}

		wanted := make(map[string]struct{}, len(memberNames))
		for _, n := range memberNames {
			wanted[n] = struct{}{}
		}

		// Iterate pool_servers in declaration order so round-robin order
		// is a deterministic, stable permutation across restarts.
		var servers []config.BackendServer
		for _, s := range cfg.PoolServers {
			if _, want := wanted[s.Name]; want {
				servers = append(servers, s)
			}
		}
		t.rows[acl.Host] = &row{servers: servers}
	}

	return t
}

// GetNextBackend returns the next server for host via round-robin, or
// (zero, false) if there is no tracker row, the row has no servers, or the
// selected slot is inactive. Exactly one cursor advance happens per call,
// even when the chosen slot turns out to be inactive: an intentional
// amortized-cost tradeoff over scanning for a live slot on every call.
func (t *Tracker) GetNextBackend(host string) (config.BackendServer, bool) {
	r, ok := t.rows[host]
	if !ok || len(r.servers) == 0 {
		return config.BackendServer{}, false
	}
	idx := r.cursor.Add(1) - 1
	server := r.servers[idx%uint64(len(r.servers))]
	if !server.Active {
		return config.BackendServer{}, false
	}
	return server, true
}
