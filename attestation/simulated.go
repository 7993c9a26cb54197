package attestation

import (
	"context"
	"time"
)

// SimulatedAttester stands in for a real prover. It derives the same
// nullifier as Groth16Attester after a fixed delay but produces no proof.
type SimulatedAttester struct {
	Scope  string
	MinAge int
	Delay  time.Duration
	Now    func() time.Time
}

func (s *SimulatedAttester) Attest(ctx context.Context, cred Credential) (*Attestation, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &AttestationError{Code: CodeTimeout, Reason: ctx.Err().Error()}
		case <-timer.C:
		}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if cred.birthDate() > adultCutoff(now(), s.MinAge) {
		return nil, &AttestationError{Code: CodeProofFailed, Reason: "credential does not satisfy the adult policy"}
	}

	return &Attestation{
		Nullifier: Nullifier(cred.Secret, s.Scope),
		IssuedAt:  now(),
		Verified:  true,
	}, nil
}
