// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
	"lukechampine.com/frand"
)

// BoxKeypair is the long-term channel keypair of a player. The public half is
// published in the channel directory; the private half never leaves the
// player's process.
type BoxKeypair struct {
	Public  *[32]byte
	private *[32]byte
}

// GenerateBoxKeypair draws a fresh channel keypair.
func GenerateBoxKeypair() (*BoxKeypair, error) {
	pub, priv, err := box.GenerateKey(frand.New())
	if err != nil {
		return nil, err
	}
	return &BoxKeypair{Public: pub, private: priv}, nil
}

// Seal encrypts a message under the recipient's public key using the
// sealed-box construction. Anyone can seal; only the recipient can open.
// This is what lets the bulletin board relay bytes without plaintext access.
func Seal(msg []byte, recipient *[32]byte) ([]byte, error) {
	return box.SealAnonymous(nil, msg, recipient, frand.New())
}

// Open decrypts a sealed box addressed to the keypair's owner. A tampered
// ciphertext fails to open.
func (kp *BoxKeypair) Open(sealed []byte) ([]byte, error) {
	msg, ok := box.OpenAnonymous(nil, sealed, kp.Public, kp.private)
	if !ok {
		return nil, errors.New("sealed box could not be opened")
	}
	return msg, nil
}

// SealAuthenticated encrypts and authenticates a message from the sender's
// keypair to the recipient's public key. Used by direct channels where the
// recipient must verify the sender.
func (kp *BoxKeypair) SealAuthenticated(msg []byte, recipient *[32]byte) ([]byte, error) {
	var nonce [24]byte
	frand.Read(nonce[:])
	out := box.Seal(nonce[:], msg, &nonce, recipient, kp.private)
	return out, nil
}

// OpenAuthenticated decrypts and verifies a message sealed by the sender's
// keypair for the keypair's owner.
func (kp *BoxKeypair) OpenAuthenticated(sealed []byte, sender *[32]byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("authenticated box is too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	msg, ok := box.Open(nil, sealed[24:], &nonce, sender, kp.private)
	if !ok {
		return nil, errors.New("authenticated box could not be opened")
	}
	return msg, nil
}
