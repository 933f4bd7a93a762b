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

package tracker

import "sync/atomic"

// Store holds a *Tracker behind an atomic pointer, mirroring config.Store so
// a frontend's tracker can be rebuilt and republished whenever the
// configuration reloads, without readers ever blocking.
type Store struct {
	ptr atomic.Pointer[Tracker]
}

// NewStore creates a Store holding the given initial tracker.
func NewStore(initial *Tracker) *Store {
	s := &Store{}
	s.Swap(initial)
	return s
}

// Load returns the current tracker.
func (s *Store) Load() *Tracker {
	return s.ptr.Load()
}

// Swap atomically publishes a new tracker.
func (s *Store) Swap(t *Tracker) {
	s.ptr.Store(t)
}
