// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package codec

import (
	"errors"
	"fmt"
)

// DType enumerates the element types a tensor can carry.
type DType string

const (
	// Float64 is the plaintext floating point element type.
	Float64 DType = "float64"
	// Int64 is the fixed-point encoded element type.
	Int64 DType = "int64"
	// Bytes is an opaque element type used for ciphertext vectors.
	Bytes DType = "bytes"
)

// Tensor is a shaped value moved between players. Exactly one of the backing
// slices is populated, selected by DType.
type Tensor struct {
	Shape  []int
	DType  DType
	Floats []float64
	Ints   []int64
	Raw    [][]byte
}

// NewScalar returns a rank-0 float tensor.
func NewScalar(v float64) Tensor {
	return Tensor{Shape: []int{}, DType: Float64, Floats: []float64{v}}
}

// NewVector returns a rank-1 float tensor over the given values.
func NewVector(vs []float64) Tensor {
	return Tensor{Shape: []int{len(vs)}, DType: Float64, Floats: vs}
}

// NewIntVector returns a rank-1 fixed-point tensor over the given values.
func NewIntVector(vs []int64) Tensor {
	return Tensor{Shape: []int{len(vs)}, DType: Int64, Ints: vs}
}

// NewRawVector returns a rank-1 opaque tensor, e.g. a ciphertext vector.
func NewRawVector(vs [][]byte) Tensor {
	return Tensor{Shape: []int{len(vs)}, DType: Bytes, Raw: vs}
}

// Len returns the number of elements implied by the shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Scalar returns the single element of a rank-0 or single-element tensor.
func (t Tensor) Scalar() (float64, error) {
	if t.DType != Float64 || len(t.Floats) != 1 {
		return 0, fmt.Errorf("tensor is not a float scalar: dtype=%s len=%d", t.DType, t.Len())
	}
	return t.Floats[0], nil
}

// SameShape returns true if both tensors have identical shapes.
func (t Tensor) SameShape(other Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// Add returns the elementwise sum of two float tensors.
func Add(a, b Tensor) (Tensor, error) {
	if a.DType != Float64 || b.DType != Float64 {
		return Tensor{}, errors.New("add requires float tensors")
	}
	if !a.SameShape(b) {
		return Tensor{}, errors.New("add requires tensors of identical shape")
	}
	out := make([]float64, len(a.Floats))
	for i := range a.Floats {
		out[i] = a.Floats[i] + b.Floats[i]
	}
	return Tensor{Shape: a.Shape, DType: Float64, Floats: out}, nil
}

// AddWrap returns the elementwise sum of two fixed-point tensors with
// wrap-around arithmetic. Wrapping is what makes zero-sum masks cancel.
func AddWrap(a, b Tensor) (Tensor, error) {
	if a.DType != Int64 || b.DType != Int64 {
		return Tensor{}, errors.New("addwrap requires fixed-point tensors")
	}
	if !a.SameShape(b) {
		return Tensor{}, errors.New("addwrap requires tensors of identical shape")
	}
	out := make([]int64, len(a.Ints))
	for i := range a.Ints {
		out[i] = int64(uint64(a.Ints[i]) + uint64(b.Ints[i]))
	}
	return Tensor{Shape: a.Shape, DType: Int64, Ints: out}, nil
}

// Scale divides every element of a float tensor by the given divisor.
func Scale(t Tensor, divisor float64) (Tensor, error) {
	if t.DType != Float64 {
		return Tensor{}, errors.New("scale requires a float tensor")
	}
	if divisor == 0 {
		return Tensor{}, errors.New("scale divisor must be non-zero")
	}
	out := make([]float64, len(t.Floats))
	for i := range t.Floats {
		out[i] = t.Floats[i] / divisor
	}
	return Tensor{Shape: t.Shape, DType: Float64, Floats: out}, nil
}
