// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
	"lukechampine.com/frand"
)

// MaskKeySize is the byte length of a pairwise PRG key.
const MaskKeySize = chacha20.KeySize

// MaskKey is a PRG key shared by exactly one pair of clients during setup.
type MaskKey [MaskKeySize]byte

// NewMaskKey draws a fresh pairwise key.
func NewMaskKey() MaskKey {
	var k MaskKey
	frand.Read(k[:])
	return k
}

// PairwiseStream expands a pairwise key into n fixed-point words for the
// given round. Both endpoints of the pair derive the identical stream.
func PairwiseStream(key MaskKey, round uint64, n int) ([]int64, error) {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], round)
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8*n)
	cipher.XORKeyStream(buf, buf)
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}

// ZeroSumMask derives the round mask of one client from its pairwise keys.
// The pair stream is added by the lower-indexed endpoint and subtracted by
// the higher-indexed one, so the masks of all clients sum to zero under
// wrap-around arithmetic.
func ZeroSumMask(self int, keys map[int]MaskKey, round uint64, n int) ([]int64, error) {
	mask := make([]int64, n)
	for peer, key := range keys {
		stream, err := PairwiseStream(key, round, n)
		if err != nil {
			return nil, err
		}
		if self < peer {
			for i := range mask {
				mask[i] = int64(uint64(mask[i]) + uint64(stream[i]))
			}
		} else {
			for i := range mask {
				mask[i] = int64(uint64(mask[i]) - uint64(stream[i]))
			}
		}
	}
	return mask, nil
}
