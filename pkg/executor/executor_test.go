// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package executor

import (
	"context"
	"errors"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var logger = zap.NewNop().Sugar()

// fakeTarget records delegated operations and returns opaque handles.
type fakeTarget struct {
	values     int
	calls      int
	tuples     int
	selections int
}

func (f *fakeTarget) CreateValue(ctx context.Context, v interface{}) (interface{}, error) {
	f.values++
	return "value-handle", nil
}

func (f *fakeTarget) CreateCall(ctx context.Context, fn, arg interface{}) (interface{}, error) {
	f.calls++
	return "call-handle", nil
}

func (f *fakeTarget) CreateTuple(ctx context.Context, elements []interface{}) (interface{}, error) {
	f.tuples++
	return "tuple-handle", nil
}

func (f *fakeTarget) CreateSelection(ctx context.Context, source interface{}, index int) (interface{}, error) {
	f.selections++
	return "selection-handle", nil
}

// fakeRunner sums contributions in the clear, recording what it was asked.
type fakeRunner struct {
	kind  AggregationKind
	calls int
	err   error
}

func (f *fakeRunner) RunAggregation(ctx context.Context, kind AggregationKind, contributions []codec.Tensor) (codec.Tensor, error) {
	f.kind = kind
	f.calls++
	if f.err != nil {
		return codec.Tensor{}, f.err
	}
	acc := contributions[0]
	var err error
	for _, t := range contributions[1:] {
		acc, err = codec.Add(acc, t)
		if err != nil {
			return codec.Tensor{}, err
		}
	}
	if kind == AggregationMean {
		acc, err = codec.Scale(acc, float64(len(contributions)))
		if err != nil {
			return codec.Tensor{}, err
		}
	}
	return acc, nil
}

var _ = Describe("SecureExecutor", func() {
	var (
		target *fakeTarget
		runner *fakeRunner
		ex     *SecureExecutor
		ctx    context.Context
	)

	BeforeEach(func() {
		target = &fakeTarget{}
		runner = &fakeRunner{}
		ex = NewSecureExecutor(&SecureExecutorConf{Target: target, Runner: runner, Logger: logger})
		ctx = context.TODO()
	})

	tupleOf := func(vs ...float64) *Value {
		elements := make([]*Value, len(vs))
		for i, v := range vs {
			el, err := ex.CreateValue(ctx, codec.NewScalar(v))
			Expect(err).NotTo(HaveOccurred())
			elements[i] = el
		}
		tuple, err := ex.CreateTuple(ctx, elements)
		Expect(err).NotTo(HaveOccurred())
		return tuple
	}

	Context("intercepting aggregation intrinsics", func() {
		It("runs a secure sum round for federated_sum", func() {
			fn, err := ex.CreateValue(ctx, FederatedSumURI)
			Expect(err).NotTo(HaveOccurred())
			call, err := ex.CreateCall(ctx, fn, tupleOf(1, 2, 3))
			Expect(err).NotTo(HaveOccurred())
			result, err := ex.Materialize(ctx, call)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Floats[0]).To(Equal(6.0))
			Expect(runner.kind).To(Equal(AggregationSum))
			Expect(target.calls).To(Equal(0))
		})

		It("runs a secure mean round for federated_mean", func() {
			fn, _ := ex.CreateValue(ctx, FederatedMeanURI)
			call, err := ex.CreateCall(ctx, fn, tupleOf(1, 2, 3))
			Expect(err).NotTo(HaveOccurred())
			result, err := ex.Materialize(ctx, call)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Floats[0]).To(Equal(2.0))
			Expect(runner.kind).To(Equal(AggregationMean))
		})

		It("surfaces a failed round at materialization time", func() {
			runner.err = errors.New("round aborted")
			fn, _ := ex.CreateValue(ctx, FederatedSumURI)
			call, err := ex.CreateCall(ctx, fn, tupleOf(1, 2))
			Expect(err).NotTo(HaveOccurred())
			_, err = ex.Materialize(ctx, call)
			Expect(err).To(MatchError("round aborted"))
		})

		It("rejects an intrinsic call without an argument", func() {
			fn, _ := ex.CreateValue(ctx, FederatedSumURI)
			_, err := ex.CreateCall(ctx, fn, nil)
			Expect(err).To(BeAssignableToTypeOf(&InvalidAggregation{}))
		})
	})

	Context("delegating non-aggregation operations", func() {
		It("forwards unknown values to the target", func() {
			_, err := ex.CreateValue(ctx, struct{ Anything int }{42})
			Expect(err).NotTo(HaveOccurred())
			Expect(target.values).To(Equal(1))
		})

		It("forwards calls between target handles", func() {
			fn, _ := ex.CreateValue(ctx, struct{}{})
			arg, _ := ex.CreateValue(ctx, struct{}{})
			_, err := ex.CreateCall(ctx, fn, arg)
			Expect(err).NotTo(HaveOccurred())
			Expect(target.calls).To(Equal(1))
		})

		It("forwards tuples of target handles and keeps local tuples local", func() {
			a, _ := ex.CreateValue(ctx, struct{}{})
			b, _ := ex.CreateValue(ctx, struct{}{})
			_, err := ex.CreateTuple(ctx, []*Value{a, b})
			Expect(err).NotTo(HaveOccurred())
			Expect(target.tuples).To(Equal(1))

			local := tupleOf(1, 2)
			Expect(local.elements).To(HaveLen(2))
			Expect(target.tuples).To(Equal(1))
		})

		It("selects locally from local tuples and delegates otherwise", func() {
			local := tupleOf(1, 2)
			el, err := ex.CreateSelection(ctx, local, 1)
			Expect(err).NotTo(HaveOccurred())
			t, err := ex.Materialize(ctx, el)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Floats[0]).To(Equal(2.0))
			Expect(target.selections).To(Equal(0))

			remote, _ := ex.CreateValue(ctx, struct{}{})
			_, err = ex.CreateSelection(ctx, remote, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(target.selections).To(Equal(1))

			_, err = ex.CreateSelection(ctx, local, 5)
			Expect(err).To(HaveOccurred())
		})

		It("refuses to materialize a pure target handle", func() {
			remote, _ := ex.CreateValue(ctx, struct{}{})
			_, err := ex.Materialize(ctx, remote)
			Expect(err).To(HaveOccurred())
		})
	})
})
