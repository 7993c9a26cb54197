// Package attestation produces and caches anonymous identity attestations.
//
// An attestation proves that the holder of a credential is an adult without
// revealing the credential. The only identifier it carries is a nullifier, a
// MiMC commitment over the credential secret and an application scope, which
// stays stable across sessions but cannot be inverted into personal data.
package attestation

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Error codes carried by AttestationError.
const (
	CodeMalformedCredential = "MALFORMED_CREDENTIAL"
	CodeTimeout             = "TIMEOUT"
	CodeProofFailed         = "PROOF_FAILED"
)

// Attestation is the artifact handed to the payment flow.
type Attestation struct {
	Nullifier string    `json:"nullifier"`
	IssuedAt  time.Time `json:"issued_at"`
	Verified  bool      `json:"verified"`
	Proof     []byte    `json:"proof,omitempty"`
}

// Credential is the private input of an attestation.
type Credential struct {
	Secret     []byte
	BirthYear  int
	BirthMonth int
	BirthDay   int
}

// Validate checks the credential shape before any proving work starts.
func (c Credential) Validate() error {
	if len(c.Secret) == 0 {
		return &AttestationError{Code: CodeMalformedCredential, Reason: "credential secret is empty"}
	}
	if c.BirthYear < 1900 || c.BirthYear > 9999 {
		return &AttestationError{Code: CodeMalformedCredential, Reason: fmt.Sprintf("birth year %d out of range", c.BirthYear)}
	}
	if c.BirthMonth < 1 || c.BirthMonth > 12 {
		return &AttestationError{Code: CodeMalformedCredential, Reason: fmt.Sprintf("birth month %d out of range", c.BirthMonth)}
	}
	if c.BirthDay < 1 || c.BirthDay > 31 {
		return &AttestationError{Code: CodeMalformedCredential, Reason: fmt.Sprintf("birth day %d out of range", c.BirthDay)}
	}
	return nil
}

func (c Credential) birthDate() int {
	return c.BirthYear*10000 + c.BirthMonth*100 + c.BirthDay
}

// Attester turns a credential into an attestation. Implementations may take
// seconds.
type Attester interface {
	Attest(ctx context.Context, cred Credential) (*Attestation, error)
}

// AttestationError is returned for any attestation failure. It never blocks a
// payment; the payment is recorded as unverified instead.
type AttestationError struct {
	Code   string
	Reason string
}

func (e *AttestationError) Error() string {
	return fmt.Sprintf("attestation failed (%s): %s", e.Code, e.Reason)
}

// Nullifier derives the public nullifier for a secret within scope.
func Nullifier(secret []byte, scope string) string {
	sum := nullifierElement(secret, scope)
	b := sum.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

func nullifierElement(secret []byte, scope string) fr.Element {
	s := secretElement(secret)
	sc := scopeElement(scope)

	h := mimc.NewMiMC()
	sb := s.Bytes()
	scb := sc.Bytes()
	h.Write(sb[:])
	h.Write(scb[:])

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

func secretElement(secret []byte) fr.Element {
	var e fr.Element
	e.SetBytes(secret)
	return e
}

func scopeElement(scope string) fr.Element {
	var e fr.Element
	e.SetBytes([]byte(scope))
	return e
}

// adultCutoff returns the latest birth date, as YYYYMMDD, of someone who is at
// least minAge years old on day now.
func adultCutoff(now time.Time, minAge int) int {
	return (now.Year()-minAge)*10000 + int(now.Month())*100 + now.Day()
}
