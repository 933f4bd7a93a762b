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

// Command reverseproxy starts the HTTP/HTTPS reverse proxy described by a
// YAML configuration file, watching that file for changes and
// hot-reloading without dropping listeners.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/dhenry123/http-reverse-proxy/internal/config"
	"github.com/dhenry123/http-reverse-proxy/internal/frontend"
	"github.com/dhenry123/http-reverse-proxy/internal/handler"
	"github.com/dhenry123/http-reverse-proxy/internal/internalserver"
	"github.com/dhenry123/http-reverse-proxy/internal/logging"
	"github.com/dhenry123/http-reverse-proxy/internal/metrics"
	"github.com/dhenry123/http-reverse-proxy/internal/tlsconfig"
	"github.com/dhenry123/http-reverse-proxy/internal/tracker"
	"github.com/dhenry123/http-reverse-proxy/internal/wsbridge"
)

// Exit codes mirror the original process's documented contract: 0 for a
// clean shutdown, 1 for a config load failure, 10 for an internal server
// startup failure.
const (
	exitOK                = 0
	exitConfigLoadFailed  = 1
	exitInternalServerErr = 10
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		tlsCertPath string
		apiPort     int
		apiAddr     string
		logFile     string
		logFormat   string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "reverseproxy",
		Short: "HTTP/HTTPS reverse proxy with host-based ACL routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = envOr("CONFIG_PATH", config.DefaultConfigPath)
			}
			if tlsCertPath == "" {
				tlsCertPath = envOr("DEFAULT_TLS_CERT_PATH", config.DefaultTLSCertPath)
			}
			return run(runOptions{
				configPath:  configPath,
				tlsCertPath: tlsCertPath,
				apiPort:     apiPort,
				apiAddr:     apiAddr,
				logFile:     logFile,
				logFormat:   logFormat,
				debug:       debug,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to the proxy configuration YAML file")
	flags.StringVarP(&tlsCertPath, "tls-certs-path", "t", "", "directory of per-domain PEM certificate/key files")
	flags.IntVarP(&apiPort, "api-port", "p", 0, "reserved for a future administrative API (currently unused)")
	flags.StringVarP(&apiAddr, "api-addr", "a", "", "reserved for a future administrative API (currently unused)")
	flags.StringVar(&logFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	flags.StringVar(&logFormat, "log-format", "console", "log encoding: console or json")
	flags.BoolVar(&debug, "debug", false, "enable debug-level logging")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type runOptions struct {
	configPath  string
	tlsCertPath string
	apiPort     int
	apiAddr     string
	logFile     string
	logFormat   string
	debug       bool
}

func run(opts runOptions) error {
	logger, err := logging.New(logging.Options{Format: opts.logFormat, FilePath: opts.logFile, Debug: opts.debug})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	// Match the container's CPU quota and memory limit rather than the
	// host's, the same way the reference proxy tunes its runtime.
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("reverseproxy: failed to set GOMAXPROCS", zap.Error(err))
	}
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithProvider(
			memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem),
		),
	)

	initial, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("reverseproxy: failed to load configuration", zap.String("path", opts.configPath), zap.Error(err))
		os.Exit(exitConfigLoadFailed)
	}
	cfgStore := config.NewStore(initial)

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	tlsStore, err := tlsconfig.Load(opts.tlsCertPath, logger)
	if err != nil {
		logger.Warn("reverseproxy: failed to load TLS certificates; HTTPS frontends will fail to start",
			zap.String("path", opts.tlsCertPath), zap.Error(err))
	}

	internalRenderer := internalserver.NewDefaultRenderer()
	internalSrv := internalserver.NewServer(internalRenderer, logger, "")
	internalSrv.Router().Method(http.MethodGet, "/_internal_server/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	internalLn, internalAddr, err := internalserver.ListenOnFreePort(19080, 19180)
	if err != nil {
		logger.Error("reverseproxy: failed to start internal server", zap.Error(err))
		os.Exit(exitInternalServerErr)
	}
	go func() {
		if serveErr := internalSrv.Serve(internalLn); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("reverseproxy: internal server stopped", zap.Error(serveErr))
		}
	}()
	logger.Info("reverseproxy: internal server listening", zap.String("addr", internalAddr))

	trackerStores := make(map[string]*tracker.Store)
	for _, fe := range initial.Frontends {
		trackerStores[fe.Name] = tracker.NewStore(tracker.Populate(fe.Name, initial))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := config.NewWatcher(opts.configPath, cfgStore, func(p *config.Proxy) {
		for _, fe := range p.Frontends {
			store, ok := trackerStores[fe.Name]
			if !ok {
				store = tracker.NewStore(tracker.Populate(fe.Name, p))
				trackerStores[fe.Name] = store
				continue
			}
			store.Swap(tracker.Populate(fe.Name, p))
		}
		rec.ConfigReloadsTotal.WithLabelValues("success").Inc()
	}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if watchErr := watcher.Run(ctx); watchErr != nil {
			logger.Warn("reverseproxy: config watcher stopped", zap.Error(watchErr))
		}
	}()

	bridge := wsbridge.NewBridge(logger, rec)

	for _, fe := range initial.Frontends {
		if !fe.Active {
			continue
		}
		fe := fe

		h := handler.New(&handler.Frontend{
			Name:         fe.Name,
			ConfigStore:  cfgStore,
			Tracker:      trackerStores[fe.Name],
			InternalAddr: internalAddr,
		}, bridge, rec, logger)

		var tlsForFrontend *tlsconfig.Store
		if fe.TLS {
			if tlsStore == nil {
				logger.Error("reverseproxy: TLS frontend not started, no certificates loaded", zap.String("frontend", fe.Name))
				continue
			}
			tlsForFrontend = tlsStore
		}

		addr := fe.Addr + ":" + strconv.Itoa(int(fe.Port))
		srv := frontend.New(fe.Name, addr, h, tlsForFrontend, rec, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if runErr := srv.Run(ctx); runErr != nil {
				logger.Error("reverseproxy: frontend stopped", zap.String("frontend", fe.Name), zap.Error(runErr))
			}
		}()
		logger.Info("reverseproxy: frontend listening", zap.String("frontend", fe.Name), zap.String("addr", addr), zap.Bool("tls", fe.TLS))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("reverseproxy: shutting down")
	cancel()
	wg.Wait()

	return nil
}
