package store

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/paygate/core"
	"github.com/layer-3/paygate/ports"
)

// MemoryReplayStore is an in-memory implementation of ports.ReplayStore.
// Entries live for the life of the process.
type MemoryReplayStore struct {
	mu   sync.Mutex
	seen map[common.Hash]struct{}
}

// NewMemoryReplayStore creates a new in-memory replay store
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{seen: make(map[common.Hash]struct{})}
}

var _ ports.ReplayStore = (*MemoryReplayStore)(nil)

// CheckAndRecord records ref and reports whether it had not been seen before
func (s *MemoryReplayStore) CheckAndRecord(_ context.Context, ref common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[ref]; ok {
		return false, nil
	}
	s.seen[ref] = struct{}{}
	return true, nil
}

type challengeEntry struct {
	challenge core.Challenge
	used      bool
	released  bool
}

// MemoryChallengeStore is an in-memory implementation of ports.ChallengeStore
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*challengeEntry
}

// NewMemoryChallengeStore creates a new in-memory challenge store
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[string]*challengeEntry)}
}

var _ ports.ChallengeStore = (*MemoryChallengeStore)(nil)

// Save stores an unclaimed challenge
func (s *MemoryChallengeStore) Save(_ context.Context, challenge *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[challenge.ID] = &challengeEntry{challenge: *challenge}
	return nil
}

// Claim marks the challenge as used
func (s *MemoryChallengeStore) Claim(_ context.Context, id string, now time.Time) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.challenges[id]
	if !ok {
		return nil, core.ErrUnknownChallenge
	}
	// Expiry wins over the used flag.
	if entry.challenge.Expired(now) {
		delete(s.challenges, id)
		return nil, core.ErrChallengeExpired
	}
	if entry.used {
		return nil, core.ErrChallengeAlreadyUsed
	}

	entry.used = true
	challenge := entry.challenge
	return &challenge, nil
}

// Release returns a claimed challenge to the unclaimed state, once
func (s *MemoryChallengeStore) Release(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.challenges[id]
	if !ok {
		return core.ErrUnknownChallenge
	}
	if entry.challenge.Expired(now) {
		delete(s.challenges, id)
		return core.ErrChallengeExpired
	}

	if entry.released {
		return core.ErrChallengeAlreadyUsed
	}

	entry.used = false
	entry.released = true
	return nil
}

// Consume removes a redeemed challenge
func (s *MemoryChallengeStore) Consume(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, id)
	return nil
}

// Sweep evicts expired challenges
func (s *MemoryChallengeStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, entry := range s.challenges {
		if entry.challenge.Expired(now) {
			delete(s.challenges, id)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of stored challenges, used or not.
func (s *MemoryChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// MemoryCredentialStore maps stored credential ids to signer addresses
type MemoryCredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]common.Address
}

// NewMemoryCredentialStore creates a credential store seeded with entries
func NewMemoryCredentialStore(entries map[string]common.Address) *MemoryCredentialStore {
	s := &MemoryCredentialStore{credentials: make(map[string]common.Address, len(entries))}
	for id, addr := range entries {
		s.credentials[id] = addr
	}
	return s
}

var _ ports.CredentialStore = (*MemoryCredentialStore)(nil)

// Register binds credentialID to signer
func (s *MemoryCredentialStore) Register(credentialID string, signer common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credentialID] = signer
}

// Lookup resolves credentialID to its signer address
func (s *MemoryCredentialStore) Lookup(_ context.Context, credentialID string) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.credentials[credentialID]
	if !ok {
		return common.Address{}, core.ErrUnknownCredential
	}
	return addr, nil
}
