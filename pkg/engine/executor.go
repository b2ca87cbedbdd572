// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// LocalExecutor runs one plan step entirely locally on behalf of a player.
// The step's computation is opaque to the engine.
type LocalExecutor interface {
	Execute(ctx context.Context, step *protocol.Step, s *protocol.Session, inputs []codec.Tensor) ([]codec.Tensor, error)
}

// ExecutorMap binds every player of a plan to its local executor.
type ExecutorMap map[PlayerName]LocalExecutor

// NewExecutorMap binds each given player to an in-process executor.
func NewExecutorMap(players []PlayerName) ExecutorMap {
	m := ExecutorMap{}
	for _, p := range players {
		m[p] = &InProcessExecutor{}
	}
	return m
}

// InProcessExecutor executes steps by invoking their local function directly.
type InProcessExecutor struct {
}

// Execute runs the step's local function.
func (e *InProcessExecutor) Execute(ctx context.Context, step *protocol.Step, s *protocol.Session, inputs []codec.Tensor) ([]codec.Tensor, error) {
	return step.Run(ctx, s, step.Player, inputs)
}
