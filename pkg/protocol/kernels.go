// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// passthrough forwards its single input unchanged. Classify and broaden are
// runtime no-ops; they exist in the plan so that every secrecy change stays
// auditable.
func passthrough(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.New("passthrough expects exactly one input")
	}
	return inputs, nil
}

// metadataKernel expands classify and broaden nodes into an identity step on
// the owning player.
func metadataKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("%s/%s", node.Op, RefOf(node.ID)),
		Inputs:  []ValueRef{RefOf(node.Inputs[0])},
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     passthrough,
	}}, nil
}

// ownerOf resolves the player bound to a node's device.
func ownerOf(comp *graph.ConcreteComputation, node graph.Node) (PlayerName, error) {
	player, ok := comp.DeviceOwner(node.Device)
	if !ok {
		return "", fmt.Errorf("node %s is placed on unbound device %s", RefOf(node.ID), node.Device)
	}
	return player, nil
}

// inputRefs maps node input references to plan value references.
func inputRefs(node graph.Node) []ValueRef {
	refs := make([]ValueRef, len(node.Inputs))
	for i, in := range node.Inputs {
		refs[i] = RefOf(in)
	}
	return refs
}

// aggregationSource walks back from a node through classify and broaden to
// the aggregation feeding it, returning the aggregation kind and its client
// count. Values revealed without an upstream aggregation report a count of
// one and no kind.
func aggregationSource(comp *graph.ConcreteComputation, node graph.Node) (graph.OpKind, int) {
	n := node
	for len(n.Inputs) > 0 {
		n = comp.Nodes[n.Inputs[0]]
		switch n.Op {
		case graph.OpClassify, graph.OpBroaden:
			continue
		case graph.OpAddN, graph.OpMean:
			return n.Op, len(n.Inputs)
		default:
			return n.Op, 1
		}
	}
	return n.Op, 1
}

// revealTail applies the end-of-plan numeric transform at the receiver:
// fixed-point tensors are decoded, and mean aggregations are divided by the
// client count.
func revealTail(kind graph.OpKind, count int) LocalFunc {
	return func(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
		if len(inputs) != 1 {
			return nil, errors.New("reveal expects exactly one input")
		}
		t := inputs[0]
		var err error
		if t.DType == codec.Int64 {
			t, err = codec.FixedPointDecode(t, codec.DefaultFixedPointScale)
			if err != nil {
				return nil, err
			}
		}
		if kind == graph.OpMean {
			t, err = codec.Scale(t, float64(count))
			if err != nil {
				return nil, err
			}
		}
		return []codec.Tensor{t}, nil
	}
}
