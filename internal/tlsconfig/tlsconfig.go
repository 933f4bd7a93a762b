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

// Package tlsconfig loads per-domain certificate/key pairs from a directory
// of PEM files and serves them to TLS handshakes by SNI.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store holds the loaded certificates keyed by domain (the PEM file's stem)
// and resolves them by SNI for tls.Config.GetCertificate.
type Store struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{certs: make(map[string]*tls.Certificate)}
}

// Load scans dir for *.pem files, parsing each as a concatenated
// certificate chain followed by a PKCS8 private key. The domain a
// certificate answers for is the file's basename without extension, e.g.
// example.com.pem -> example.com.
//
// A malformed file is skipped with a warning; Load only returns an error
// when the directory itself cannot be read, or when a file's key uses an
// unsupported format (fatal, since a startup with silently-missing TLS
// coverage is worse than refusing to start).
func Load(dir string, logger *zap.Logger) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read cert dir %q: %w", dir, err)
	}

	s := NewStore()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}

		domain := strings.TrimSuffix(entry.Name(), ".pem")
		path := filepath.Join(dir, entry.Name())

		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("tlsconfig: skipping unreadable cert file", zap.String("path", path), zap.Error(err))
			continue
		}

		cert, err := parsePEMBundle(raw)
		if err != nil {
			if isUnsupportedKeyErr(err) {
				return nil, fmt.Errorf("tlsconfig: %s: %w", path, err)
			}
			logger.Warn("tlsconfig: skipping malformed cert file", zap.String("path", path), zap.Error(err))
			continue
		}

		s.certs[domain] = cert
		logger.Info("tlsconfig: loaded certificate", zap.String("domain", domain), zap.String("path", path))
	}

	return s, nil
}

type unsupportedKeyError struct{ inner error }

func (e *unsupportedKeyError) Error() string { return e.inner.Error() }
func (e *unsupportedKeyError) Unwrap() error { return e.inner }

func isUnsupportedKeyErr(err error) bool {
	_, ok := err.(*unsupportedKeyError)
	return ok
}

// parsePEMBundle parses a file containing one or more CERTIFICATE blocks
// followed by a single PRIVATE KEY (PKCS8) block.
func parsePEMBundle(raw []byte) (*tls.Certificate, error) {
	var (
		certDER [][]byte
		keyDER  []byte
		rest    = raw
	)

	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = append(certDER, block.Bytes)
		case "PRIVATE KEY":
			keyDER = block.Bytes
		}
	}

	if len(certDER) == 0 {
		return nil, fmt.Errorf("no CERTIFICATE block found")
	}
	if keyDER == nil {
		return nil, fmt.Errorf("no PRIVATE KEY block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, &unsupportedKeyError{inner: fmt.Errorf("unsupported private key: %w", err)}
	}

	leaf, err := x509.ParseCertificate(certDER[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: certDER,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// GetCertificate implements the callback signature expected by
// tls.Config.GetCertificate, resolving by the handshake's ServerName (SNI).
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.certs[hello.ServerName]
	if !ok {
		return nil, fmt.Errorf("tlsconfig: no certificate for server name %q", hello.ServerName)
	}
	return cert, nil
}

// Config builds a *tls.Config backed by this store's SNI resolution, with
// no client certificate verification.
func (s *Store) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: s.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
