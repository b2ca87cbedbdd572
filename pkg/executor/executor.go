// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package executor exposes the extension surface the host orchestration
// framework composes with: an executor that intercepts the aggregation
// intrinsics and delegates everything else to a wrapped target executor.
package executor

import (
	"context"
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// FederatedSumURI names the secure sum intrinsic.
	FederatedSumURI = "federated_sum"
	// FederatedMeanURI names the secure mean intrinsic.
	FederatedMeanURI = "federated_mean"
)

// TargetExecutor is the host framework's executor this package wraps. Handles
// are opaque to this package and flow back into the target unchanged.
type TargetExecutor interface {
	CreateValue(ctx context.Context, v interface{}) (interface{}, error)
	CreateCall(ctx context.Context, fn, arg interface{}) (interface{}, error)
	CreateTuple(ctx context.Context, elements []interface{}) (interface{}, error)
	CreateSelection(ctx context.Context, source interface{}, index int) (interface{}, error)
}

// AggregationRunner runs one full secure aggregation round. Implemented by
// the engine's orchestrator.
type AggregationRunner interface {
	RunAggregation(ctx context.Context, kind AggregationKind, contributions []codec.Tensor) (codec.Tensor, error)
}

// Value is a handle to a value held by the secure executor. Values backed by
// an in-flight aggregation materialize asynchronously.
type Value struct {
	id        uuid.UUID
	intrinsic string
	tensor    *codec.Tensor
	elements  []*Value
	target    interface{}
	future    *future
}

// ID identifies the handle.
func (v *Value) ID() uuid.UUID {
	return v.id
}

type future struct {
	done   chan struct{}
	tensor codec.Tensor
	err    error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(t codec.Tensor, err error) {
	f.tensor = t
	f.err = err
	close(f.done)
}

func (f *future) wait(ctx context.Context) (codec.Tensor, error) {
	select {
	case <-f.done:
		return f.tensor, f.err
	case <-ctx.Done():
		return codec.Tensor{}, ctx.Err()
	}
}

// SecureExecutorConf configures the wrapping executor.
type SecureExecutorConf struct {
	Target TargetExecutor
	Runner AggregationRunner
	Logger *zap.SugaredLogger
}

// NewSecureExecutor returns an executor that intercepts federated_sum and
// federated_mean and forwards all other operations to the target.
func NewSecureExecutor(conf *SecureExecutorConf) *SecureExecutor {
	return &SecureExecutor{target: conf.Target, runner: conf.Runner, logger: conf.Logger}
}

// SecureExecutor implements the host framework's executor interface on top of
// the secure aggregation engine.
type SecureExecutor struct {
	target TargetExecutor
	runner AggregationRunner
	logger *zap.SugaredLogger
}

// CreateValue registers a value with the executor. Intrinsic URIs and tensors
// are held locally; everything else is delegated to the target.
func (e *SecureExecutor) CreateValue(ctx context.Context, v interface{}) (*Value, error) {
	switch val := v.(type) {
	case string:
		if val == FederatedSumURI || val == FederatedMeanURI {
			return &Value{id: uuid.New(), intrinsic: val}, nil
		}
	case codec.Tensor:
		return &Value{id: uuid.New(), tensor: &val}, nil
	}
	handle, err := e.target.CreateValue(ctx, v)
	if err != nil {
		return nil, err
	}
	return &Value{id: uuid.New(), target: handle}, nil
}

// CreateCall invokes a function value. Calls to an intercepted intrinsic kick
// off a secure aggregation round asynchronously; the returned handle
// materializes once the round completes. All other calls are delegated.
func (e *SecureExecutor) CreateCall(ctx context.Context, fn, arg *Value) (*Value, error) {
	if fn.intrinsic != "" {
		kind := AggregationSum
		if fn.intrinsic == FederatedMeanURI {
			kind = AggregationMean
		}
		contributions, err := e.gather(ctx, arg)
		if err != nil {
			return nil, err
		}
		f := newFuture()
		out := &Value{id: uuid.New(), future: f}
		go func() {
			t, err := e.runner.RunAggregation(ctx, kind, contributions)
			if err != nil {
				e.logger.Errorw("Aggregation round failed", "intrinsic", fn.intrinsic, "error", err)
			}
			f.resolve(t, err)
		}()
		return out, nil
	}
	if fn.target == nil || arg == nil {
		return nil, fmt.Errorf("call target is not a function handle")
	}
	argHandle, err := e.targetHandle(ctx, arg)
	if err != nil {
		return nil, err
	}
	handle, err := e.target.CreateCall(ctx, fn.target, argHandle)
	if err != nil {
		return nil, err
	}
	return &Value{id: uuid.New(), target: handle}, nil
}

// CreateTuple groups values. Tuples containing locally held values stay
// local; pure target tuples are delegated.
func (e *SecureExecutor) CreateTuple(ctx context.Context, elements []*Value) (*Value, error) {
	local := false
	for _, el := range elements {
		if el.target == nil {
			local = true
			break
		}
	}
	if local {
		return &Value{id: uuid.New(), elements: elements}, nil
	}
	handles := make([]interface{}, len(elements))
	for i, el := range elements {
		handles[i] = el.target
	}
	handle, err := e.target.CreateTuple(ctx, handles)
	if err != nil {
		return nil, err
	}
	return &Value{id: uuid.New(), target: handle}, nil
}

// CreateSelection projects one element out of a tuple.
func (e *SecureExecutor) CreateSelection(ctx context.Context, source *Value, index int) (*Value, error) {
	if source.elements != nil {
		if index < 0 || index >= len(source.elements) {
			return nil, fmt.Errorf("selection index %d out of range for tuple of %d", index, len(source.elements))
		}
		return source.elements[index], nil
	}
	if source.target == nil {
		return nil, fmt.Errorf("selection source is neither a tuple nor a target handle")
	}
	handle, err := e.target.CreateSelection(ctx, source.target, index)
	if err != nil {
		return nil, err
	}
	return &Value{id: uuid.New(), target: handle}, nil
}

// Materialize blocks until the value's tensor is available.
func (e *SecureExecutor) Materialize(ctx context.Context, v *Value) (codec.Tensor, error) {
	switch {
	case v.tensor != nil:
		return *v.tensor, nil
	case v.future != nil:
		return v.future.wait(ctx)
	default:
		return codec.Tensor{}, fmt.Errorf("value %s holds no local tensor", v.id)
	}
}

// targetHandle lowers a value into a handle the target executor understands,
// registering locally held tensors with the target on demand.
func (e *SecureExecutor) targetHandle(ctx context.Context, v *Value) (interface{}, error) {
	if v.target != nil {
		return v.target, nil
	}
	if v.tensor != nil {
		return e.target.CreateValue(ctx, *v.tensor)
	}
	return nil, fmt.Errorf("value %s cannot be lowered to a target handle", v.id)
}

// gather materializes the elements of an argument tuple into the per-client
// contribution list of an aggregation round.
func (e *SecureExecutor) gather(ctx context.Context, arg *Value) ([]codec.Tensor, error) {
	if arg == nil {
		return nil, &InvalidAggregation{Reason: "intrinsic called without an argument"}
	}
	elements := arg.elements
	if elements == nil {
		elements = []*Value{arg}
	}
	out := make([]codec.Tensor, len(elements))
	for i, el := range elements {
		t, err := e.Materialize(ctx, el)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
