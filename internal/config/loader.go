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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither -c/--config nor $CONFIG_PATH is set.
const DefaultConfigPath = "/etc/http_reverse_proxy/config.yaml"

// DefaultTLSCertPath is used when neither -t/--tls-certs-path nor
// $DEFAULT_TLS_CERT_PATH is set.
const DefaultTLSCertPath = "/etc/http_reverse_proxy/certs"

// Load reads and parses a YAML config file. Unknown fields are accepted;
// a missing version defaults to 0 via the zero value.
func Load(path string) (*Proxy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var p Proxy
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &p, nil
}

// ReloadFunc is called by Watcher after a config file change has been
// successfully reloaded, giving the caller a chance to rebuild anything
// derived from the snapshot (server trackers, in particular).
type ReloadFunc func(*Proxy)

// Watcher watches the directory containing a config file (editors typically
// replace files via rename-on-save, which a direct file watch would miss)
// and reloads + republishes the snapshot into a Store whenever the watched
// file changes.
type Watcher struct {
	path     string
	store    *Store
	onLoad   ReloadFunc
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher creates a Watcher for path, publishing reloads into store.
// onLoad, if non-nil, runs after every successful reload.
func NewWatcher(path string, store *Store, onLoad ReloadFunc, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		onLoad:   onLoad,
		logger:   logger,
		debounce: 150 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled. Reload errors are logged and never
// terminate the watch loop or replace a good snapshot with a broken one.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config directory %q: %w", dir, err)
	}
	target := filepath.Base(w.path)

	var pending *time.Timer
	reload := func() {
		p, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous snapshot",
				zap.String("path", w.path), zap.Error(err))
			return
		}
		w.store.Swap(p)
		w.logger.Info("config reloaded", zap.String("path", w.path), zap.Uint64("version", p.Version))
		if w.onLoad != nil {
			w.onLoad(p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
