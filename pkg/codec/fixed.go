// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package codec

import (
	"errors"
	"math"
	"math/big"
)

// DefaultFixedPointScale is the number of fractional bits used when encoding
// floats into the integer domain the cryptographic kernels operate on.
const DefaultFixedPointScale = 16

// FixedPointEncode converts a float tensor into its fixed-point integer
// representation with the given number of fractional bits.
func FixedPointEncode(t Tensor, fractionalBits int) (Tensor, error) {
	if t.DType != Float64 {
		return Tensor{}, errors.New("fixed-point encode requires a float tensor")
	}
	factor := math.Exp2(float64(fractionalBits))
	out := make([]int64, len(t.Floats))
	for i, v := range t.Floats {
		out[i] = int64(math.Round(v * factor))
	}
	return Tensor{Shape: t.Shape, DType: Int64, Ints: out}, nil
}

// FixedPointDecode converts a fixed-point tensor back into the float domain.
func FixedPointDecode(t Tensor, fractionalBits int) (Tensor, error) {
	if t.DType != Int64 {
		return Tensor{}, errors.New("fixed-point decode requires a fixed-point tensor")
	}
	factor := math.Exp2(float64(fractionalBits))
	out := make([]float64, len(t.Ints))
	for i, v := range t.Ints {
		out[i] = float64(v) / factor
	}
	return Tensor{Shape: t.Shape, DType: Float64, Floats: out}, nil
}

// ToBigInts lifts a fixed-point tensor into non-negative big integers modulo
// the given modulus, the form consumed by homomorphic schemes.
func ToBigInts(t Tensor, modulus *big.Int) ([]*big.Int, error) {
	if t.DType != Int64 {
		return nil, errors.New("big-int encoding requires a fixed-point tensor")
	}
	out := make([]*big.Int, len(t.Ints))
	for i, v := range t.Ints {
		b := big.NewInt(v)
		b.Mod(b, modulus)
		out[i] = b
	}
	return out, nil
}

// FromBigInts lowers big integers modulo the given modulus back into the
// signed fixed-point domain. Values above modulus/2 represent negatives.
func FromBigInts(vs []*big.Int, shape []int, modulus *big.Int) (Tensor, error) {
	half := new(big.Int).Rsh(modulus, 1)
	out := make([]int64, len(vs))
	for i, v := range vs {
		b := new(big.Int).Mod(v, modulus)
		if b.Cmp(half) > 0 {
			b.Sub(b, modulus)
		}
		if !b.IsInt64() {
			return Tensor{}, errors.New("decoded value exceeds the fixed-point range")
		}
		out[i] = b.Int64()
	}
	return Tensor{Shape: shape, DType: Int64, Ints: out}, nil
}
