package attestation

import (
	"context"
	"errors"
	"sync"
)

// Session caches attestations by nullifier for the lifetime of a user
// session, so a credential is proven at most once per session.
type Session struct {
	attester Attester
	scope    string

	mu      sync.Mutex
	cache   map[string]*Attestation
	current *Attestation
}

// NewSession wraps attester. scope must be the scope attester derives
// nullifiers with.
func NewSession(attester Attester, scope string) *Session {
	return &Session{
		attester: attester,
		scope:    scope,
		cache:    make(map[string]*Attestation),
	}
}

// Attest returns the cached attestation for cred's nullifier, or runs the
// attester and caches its result.
func (s *Session) Attest(ctx context.Context, cred Credential) (*Attestation, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	nullifier := Nullifier(cred.Secret, s.scope)

	s.mu.Lock()
	if cached, ok := s.cache[nullifier]; ok {
		s.current = cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	att, err := s.attester.Attest(ctx, cred)
	if err != nil {
		var attErr *AttestationError
		if errors.As(err, &attErr) {
			return nil, err
		}
		return nil, &AttestationError{Code: CodeProofFailed, Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[att.Nullifier] = att
	s.current = att
	return att, nil
}

// Current returns the attestation most recently produced or reused.
func (s *Session) Current() (*Attestation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// Verified reports whether the session holds a verified attestation.
func (s *Session) Verified() bool {
	att, ok := s.Current()
	return ok && att.Verified
}

// Logout destroys every cached attestation.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*Attestation)
	s.current = nil
}
