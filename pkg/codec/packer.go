// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncatedMessage is thrown when a wire message ends before its declared length.
const ErrTruncatedMessage = "message is shorter than its declared length"

// ErrUnknownDType is thrown when a wire message carries an unknown dtype tag.
const ErrUnknownDType = "unknown dtype tag"

// WordSize is the size of a single fixed-point or float word on the wire.
const WordSize = 8

// HeaderSize is the size of the wire header: 1 byte dtype tag + 4 bytes rank.
const HeaderSize = 5

const (
	tagFloat64 = byte(1)
	tagInt64   = byte(2)
	tagBytes   = byte(3)
)

// Marshal converts a tensor into the little-endian wire representation that
// is sealed and deposited on the bulletin board.
func Marshal(t Tensor, dst *[]byte) error {
	out := make([]byte, 0, HeaderSize+4*len(t.Shape)+WordSize*t.Len())
	switch t.DType {
	case Float64:
		out = append(out, tagFloat64)
	case Int64:
		out = append(out, tagInt64)
	case Bytes:
		out = append(out, tagBytes)
	default:
		return errors.New(ErrUnknownDType)
	}
	out = appendUint32(out, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		out = appendUint32(out, uint32(d))
	}
	switch t.DType {
	case Float64:
		out = appendUint32(out, uint32(len(t.Floats)))
		for _, v := range t.Floats {
			var w [WordSize]byte
			binary.LittleEndian.PutUint64(w[:], math.Float64bits(v))
			out = append(out, w[:]...)
		}
	case Int64:
		out = appendUint32(out, uint32(len(t.Ints)))
		for _, v := range t.Ints {
			var w [WordSize]byte
			binary.LittleEndian.PutUint64(w[:], uint64(v))
			out = append(out, w[:]...)
		}
	case Bytes:
		out = appendUint32(out, uint32(len(t.Raw)))
		for _, v := range t.Raw {
			out = appendUint32(out, uint32(len(v)))
			out = append(out, v...)
		}
	}
	*dst = out
	return nil
}

// Unmarshal decodes a tensor from its wire representation.
func Unmarshal(in []byte) (Tensor, error) {
	r := &reader{buf: in}
	tag, err := r.byte()
	if err != nil {
		return Tensor{}, err
	}
	rank, err := r.uint32()
	if err != nil {
		return Tensor{}, err
	}
	shape := make([]int, rank)
	for i := range shape {
		d, err := r.uint32()
		if err != nil {
			return Tensor{}, err
		}
		shape[i] = int(d)
	}
	count, err := r.uint32()
	if err != nil {
		return Tensor{}, err
	}
	switch tag {
	case tagFloat64:
		vs := make([]float64, count)
		for i := range vs {
			w, err := r.uint64()
			if err != nil {
				return Tensor{}, err
			}
			vs[i] = math.Float64frombits(w)
		}
		return Tensor{Shape: shape, DType: Float64, Floats: vs}, nil
	case tagInt64:
		vs := make([]int64, count)
		for i := range vs {
			w, err := r.uint64()
			if err != nil {
				return Tensor{}, err
			}
			vs[i] = int64(w)
		}
		return Tensor{Shape: shape, DType: Int64, Ints: vs}, nil
	case tagBytes:
		vs := make([][]byte, count)
		for i := range vs {
			n, err := r.uint32()
			if err != nil {
				return Tensor{}, err
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return Tensor{}, err
			}
			vs[i] = b
		}
		return Tensor{Shape: shape, DType: Bytes, Raw: vs}, nil
	default:
		return Tensor{}, fmt.Errorf("%s: %d", ErrUnknownDType, tag)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, errors.New(ErrTruncatedMessage)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, errors.New(ErrTruncatedMessage)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.off+WordSize > len(r.buf) {
		return 0, errors.New(ErrTruncatedMessage)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += WordSize
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errors.New(ErrTruncatedMessage)
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], v)
	return append(dst, w[:]...)
}
