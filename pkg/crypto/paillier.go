// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"

	"lukechampine.com/frand"
)

var one = big.NewInt(1)

// PaillierPublicKey is the encryption key of a Paillier keypair. Ciphertexts
// under the same key can be combined homomorphically without decryption.
type PaillierPublicKey struct {
	N        *big.Int
	NSquared *big.Int
}

// PaillierPrivateKey holds the decryption material. It is exclusively owned
// by the key-holder player and never leaves its device.
type PaillierPrivateKey struct {
	PaillierPublicKey
	lambda *big.Int
	mu     *big.Int
}

// GeneratePaillierKeypair generates a fresh keypair with a modulus of the
// given bit length.
func GeneratePaillierKeypair(bits int) (*PaillierPrivateKey, error) {
	if bits < 64 {
		return nil, errors.New("paillier modulus must be at least 64 bits")
	}
	rng := frand.New()
	p, err := rand.Prime(rng, bits/2)
	if err != nil {
		return nil, err
	}
	q, err := rand.Prime(rng, bits/2)
	if err != nil {
		return nil, err
	}
	if p.Cmp(q) == 0 {
		return nil, errors.New("prime generation produced identical factors")
	}
	n := new(big.Int).Mul(p, q)
	nSquared := new(big.Int).Mul(n, n)

	pMinus1 := new(big.Int).Sub(p, one)
	qMinus1 := new(big.Int).Sub(q, one)
	lambda := new(big.Int).Mul(pMinus1, qMinus1)
	lambda.Div(lambda, new(big.Int).GCD(nil, nil, pMinus1, qMinus1))

	// With g = n+1, L(g^lambda mod n^2) = lambda mod n, hence mu = lambda^-1 mod n.
	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, errors.New("keypair is degenerate, lambda is not invertible")
	}
	return &PaillierPrivateKey{
		PaillierPublicKey: PaillierPublicKey{N: n, NSquared: nSquared},
		lambda:            lambda,
		mu:                mu,
	}, nil
}

// PublicKey returns the encryption half of the keypair.
func (k *PaillierPrivateKey) PublicKey() *PaillierPublicKey {
	return &k.PaillierPublicKey
}

// Encrypt encrypts a plaintext in [0, N) under the public key.
func (pk *PaillierPublicKey) Encrypt(m *big.Int) (*big.Int, error) {
	if m.Sign() < 0 || m.Cmp(pk.N) >= 0 {
		return nil, errors.New("plaintext outside of [0, N)")
	}
	r, err := randomUnit(pk.N)
	if err != nil {
		return nil, err
	}
	// c = (1 + m*N) * r^N mod N^2
	c := new(big.Int).Mul(m, pk.N)
	c.Add(c, one)
	c.Mod(c, pk.NSquared)
	rn := new(big.Int).Exp(r, pk.N, pk.NSquared)
	c.Mul(c, rn)
	c.Mod(c, pk.NSquared)
	return c, nil
}

// EncryptZero returns a fresh encryption of zero, the identity of the
// homomorphic reduction.
func (pk *PaillierPublicKey) EncryptZero() (*big.Int, error) {
	return pk.Encrypt(big.NewInt(0))
}

// AddCiphertexts combines two ciphertexts into an encryption of the sum of
// their plaintexts.
func (pk *PaillierPublicKey) AddCiphertexts(a, b *big.Int) *big.Int {
	c := new(big.Int).Mul(a, b)
	return c.Mod(c, pk.NSquared)
}

// Decrypt recovers the plaintext of a ciphertext.
func (sk *PaillierPrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	if c.Sign() <= 0 || c.Cmp(sk.NSquared) >= 0 {
		return nil, errors.New("ciphertext outside of (0, N^2)")
	}
	// m = L(c^lambda mod N^2) * mu mod N, L(u) = (u-1)/N
	u := new(big.Int).Exp(c, sk.lambda, sk.NSquared)
	u.Sub(u, one)
	u.Div(u, sk.N)
	u.Mul(u, sk.mu)
	return u.Mod(u, sk.N), nil
}

// Fingerprint identifies the keypair for cross-round session compatibility
// checks: two Paillier sessions compose only if their moduli match.
func (pk *PaillierPublicKey) Fingerprint() string {
	return pk.N.Text(16)
}

// randomUnit draws a uniformly random element of Z_N^*.
func randomUnit(n *big.Int) (*big.Int, error) {
	for i := 0; i < 128; i++ {
		r := frand.BigIntn(n)
		if r.Sign() == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, r, n).Cmp(one) == 0 {
			return r, nil
		}
	}
	return nil, errors.New("could not sample a unit mod N")
}
