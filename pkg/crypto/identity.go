// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package crypto

import (
	"crypto/ed25519"

	"lukechampine.com/frand"
)

// Identity is the long-term cryptographic identity of a player: a signature
// keypair for authentication plus a channel keypair for sealed messaging.
type Identity struct {
	Name    string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	Box     *BoxKeypair
}

// NewIdentity creates a fresh identity for the named player.
func NewIdentity(name string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(frand.New())
	if err != nil {
		return nil, err
	}
	kp, err := GenerateBoxKeypair()
	if err != nil {
		return nil, err
	}
	return &Identity{Name: name, Public: pub, private: priv, Box: kp}, nil
}

// Sign signs a message with the identity's signature key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// VerifySignature checks a signature against a player's public key.
func VerifySignature(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
