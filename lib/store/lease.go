// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"sync"
)

// Lease is the exclusive right to write one thread. Every mutating
// store operation takes the lease, so two turns on the same thread
// can never interleave writes.
type Lease struct {
	store    *Store
	threadID string

	mu       sync.Mutex
	released bool
}

// ThreadID returns the leased thread.
func (lease *Lease) ThreadID() string { return lease.threadID }

// Release gives the lease back. Releasing twice is a no-op.
func (lease *Lease) Release() {
	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.released {
		return
	}
	lease.released = true
	lease.store.leaseMu.Lock()
	delete(lease.store.leases, lease.threadID)
	lease.store.leaseMu.Unlock()
}

// Lock takes the write lease for threadID without blocking. It
// returns an error wrapping [ErrWriteConflict] when another holder has
// it. The thread does not need to exist yet.
func (s *Store) Lock(threadID string) (*Lease, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if _, held := s.leases[threadID]; held {
		return nil, fmt.Errorf("store: thread %s: %w", threadID, ErrWriteConflict)
	}
	lease := &Lease{store: s, threadID: threadID}
	s.leases[threadID] = lease
	return lease, nil
}

// check verifies that lease is live and belongs to this store.
func (s *Store) check(lease *Lease) error {
	if lease == nil || lease.store != s {
		return fmt.Errorf("store: write without a lease: %w", ErrWriteConflict)
	}
	lease.mu.Lock()
	released := lease.released
	lease.mu.Unlock()
	if released {
		return fmt.Errorf("store: thread %s: lease released: %w", lease.threadID, ErrWriteConflict)
	}
	return nil
}

func (s *Store) leased(threadID string) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	_, held := s.leases[threadID]
	return held
}
