// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"go.uber.org/zap"
)

// TrustedName keys the trusted third-party protocol in the registry.
const TrustedName = "trusted"

// NewTrustedProtocol returns the trusted third-party protocol: a single
// aggregator sums plaintext contributions after channel-encrypted transport.
// Lowest cryptographic overhead, lowest trust guarantee.
func NewTrustedProtocol(logger *zap.SugaredLogger) *TrustedProtocol {
	return &TrustedProtocol{logger: logger}
}

// TrustedProtocol aggregates on plaintext at a trusted aggregator.
type TrustedProtocol struct {
	logger *zap.SugaredLogger
}

// Name returns the registry key of the protocol.
func (t *TrustedProtocol) Name() string {
	return TrustedName
}

// NewSession creates a session carrying no cryptographic material; the
// transport layer provides all the confidentiality this protocol has.
func (t *TrustedProtocol) NewSession(ctx context.Context, conf *SessionConf) (*Session, error) {
	if len(conf.Players.Clients) == 0 {
		return nil, &InvalidAggregation{Reason: "trusted session requires at least one client"}
	}
	material := map[PlayerName]interface{}{}
	fingerprint := deviceGroupFingerprint(conf.Players)
	s := NewSession(TrustedName, conf, fingerprint, material)
	t.logger.Debugw("Created trusted session", RoundID, s.ID, ProtocolKey, TrustedName)
	return s, nil
}

// KernelFor maps abstract operations onto plaintext aggregation steps.
func (t *TrustedProtocol) KernelFor(op graph.OpKind) (Kernel, error) {
	switch op {
	case graph.OpInput:
		return t.inputKernel, nil
	case graph.OpClassify, graph.OpBroaden:
		return metadataKernel, nil
	case graph.OpAddN, graph.OpMean:
		return t.aggregateKernel, nil
	case graph.OpOutput:
		return t.outputKernel, nil
	default:
		return nil, fmt.Errorf("protocol %s has no kernel for operation %s", TrustedName, op)
	}
}

// ChannelRequirements routes every client through the relay to the
// aggregator, and the result onwards to the receiver.
func (t *TrustedProtocol) ChannelRequirements(players RoundPlayers) []channel.Spec {
	var specs []channel.Spec
	for _, c := range players.Clients {
		specs = append(specs, channel.Spec{From: c, To: players.Aggregator, Strategy: channel.StrategyBulletinBoard})
	}
	specs = append(specs, channel.Spec{From: players.Aggregator, To: players.Receiver, Strategy: channel.StrategyBulletinBoard})
	return specs
}

// Compatible accepts sessions over the identical device group: same clients
// in the same order, same aggregator, same receiver.
func (t *TrustedProtocol) Compatible(a, b *Session) bool {
	if a == nil || b == nil || a.Protocol != TrustedName || b.Protocol != TrustedName {
		return false
	}
	return a.Players.Equal(b.Players)
}

func (t *TrustedProtocol) inputKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("contribute/%s", node.Name),
		Inputs:  []ValueRef{InputRef(node.Name)},
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     passthrough,
	}}, nil
}

func (t *TrustedProtocol) aggregateKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("aggregate/%s", RefOf(node.ID)),
		Inputs:  inputRefs(node),
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     sumPlaintext,
	}}, nil
}

func (t *TrustedProtocol) outputKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	kind, count := aggregationSource(comp, node)
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("reveal/%s", RefOf(node.ID)),
		Inputs:  []ValueRef{RefOf(node.Inputs[0])},
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     revealTail(kind, count),
	}}, nil
}

// sumPlaintext folds the elementwise float sum over all inputs.
func sumPlaintext(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("sum requires at least one input")
	}
	acc := inputs[0]
	var err error
	for _, t := range inputs[1:] {
		acc, err = codec.Add(acc, t)
		if err != nil {
			return nil, err
		}
	}
	return []codec.Tensor{acc}, nil
}

// deviceGroupFingerprint identifies the round's role assignment for the
// cross-round compatibility check of the plaintext protocols.
func deviceGroupFingerprint(players RoundPlayers) string {
	parts := make([]string, 0, len(players.Clients)+3)
	for _, c := range players.Clients {
		parts = append(parts, string(c))
	}
	parts = append(parts, string(players.Aggregator), string(players.KeyHolder), string(players.Receiver))
	return strings.Join(parts, "|")
}
