package attestation

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"
)

const curveID = ecc.BN254

// adultCircuit proves knowledge of a secret behind a public nullifier and of
// a birth date on or before a public cutoff.
type adultCircuit struct {
	Nullifier frontend.Variable `gnark:",public"`
	Scope     frontend.Variable `gnark:",public"`
	Cutoff    frontend.Variable `gnark:",public"`

	Secret     frontend.Variable
	BirthYear  frontend.Variable
	BirthMonth frontend.Variable
	BirthDay   frontend.Variable
}

func (c *adultCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Secret, c.Scope)
	api.AssertIsEqual(c.Nullifier, hasher.Sum())

	api.AssertIsLessOrEqual(1900, c.BirthYear)
	api.AssertIsLessOrEqual(c.BirthYear, 9999)
	api.AssertIsLessOrEqual(1, c.BirthMonth)
	api.AssertIsLessOrEqual(c.BirthMonth, 12)
	api.AssertIsLessOrEqual(1, c.BirthDay)
	api.AssertIsLessOrEqual(c.BirthDay, 31)

	birthDate := api.Add(api.Mul(c.BirthYear, 10000), api.Mul(c.BirthMonth, 100), c.BirthDay)
	api.AssertIsLessOrEqual(birthDate, c.Cutoff)

	return nil
}

// Groth16Attester proves adulthood with a Groth16 proof over BN254. Keys are
// generated once in NewGroth16Attester.
type Groth16Attester struct {
	ccs    constraint.ConstraintSystem
	pk     groth16.ProvingKey
	vk     groth16.VerifyingKey
	scope  string
	minAge int
	now    func() time.Time
}

// NewGroth16Attester compiles the circuit and runs the key setup.
func NewGroth16Attester(scope string, minAge int) (*Groth16Attester, error) {
	var circuit adultCircuit
	ccs, err := frontend.Compile(curveID.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile attestation circuit: %w", err)
	}

	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup: %w", err)
	}

	return &Groth16Attester{
		ccs:    ccs,
		pk:     pk,
		vk:     vk,
		scope:  scope,
		minAge: minAge,
		now:    time.Now,
	}, nil
}

// Attest proves and verifies. Proving ignores ctx, so a cancelled ctx returns
// early with CodeTimeout while the prover goroutine finishes on its own.
func (a *Groth16Attester) Attest(ctx context.Context, cred Credential) (*Attestation, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	type result struct {
		att *Attestation
		err error
	}
	done := make(chan result, 1)
	go func() {
		att, err := a.prove(cred)
		done <- result{att, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &AttestationError{Code: CodeTimeout, Reason: ctx.Err().Error()}
	case r := <-done:
		return r.att, r.err
	}
}

func newAssignment(cred Credential, scope string, cutoff int) adultCircuit {
	nullifier := nullifierElement(cred.Secret, scope)
	secret := secretElement(cred.Secret)
	sc := scopeElement(scope)

	return adultCircuit{
		Nullifier:  nullifier.BigInt(new(big.Int)),
		Scope:      sc.BigInt(new(big.Int)),
		Cutoff:     cutoff,
		Secret:     secret.BigInt(new(big.Int)),
		BirthYear:  cred.BirthYear,
		BirthMonth: cred.BirthMonth,
		BirthDay:   cred.BirthDay,
	}
}

func (a *Groth16Attester) prove(cred Credential) (*Attestation, error) {
	assignment := newAssignment(cred, a.scope, adultCutoff(a.now(), a.minAge))

	fullWitness, err := frontend.NewWitness(&assignment, curveID.ScalarField())
	if err != nil {
		return nil, &AttestationError{Code: CodeMalformedCredential, Reason: err.Error()}
	}

	proof, err := groth16.Prove(a.ccs, a.pk, fullWitness)
	if err != nil {
		return nil, &AttestationError{Code: CodeProofFailed, Reason: "credential does not satisfy the adult policy"}
	}

	publicWitness, err := fullWitness.Public()
	if err != nil {
		return nil, &AttestationError{Code: CodeProofFailed, Reason: err.Error()}
	}
	if err := groth16.Verify(proof, a.vk, publicWitness); err != nil {
		return nil, &AttestationError{Code: CodeProofFailed, Reason: err.Error()}
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, &AttestationError{Code: CodeProofFailed, Reason: err.Error()}
	}

	return &Attestation{
		Nullifier: Nullifier(cred.Secret, a.scope),
		IssuedAt:  a.now(),
		Verified:  true,
		Proof:     buf.Bytes(),
	}, nil
}
