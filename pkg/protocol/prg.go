// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/crypto"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"go.uber.org/zap"
)

// PRGName keys the keyed-PRG additive masking protocol in the registry.
const PRGName = "prg"

// NewPRGProtocol returns the keyed-PRG protocol: clients pairwise-share PRG
// keys during setup and mask their inputs with zero-sum streams, so the
// server sums masked values directly with no decryption step. Setup is
// expensive, per-round overhead is zero; best for a fixed client population.
func NewPRGProtocol(logger *zap.SugaredLogger) *PRGProtocol {
	return &PRGProtocol{logger: logger}
}

// PRGProtocol aggregates under zero-sum additive masks.
type PRGProtocol struct {
	logger *zap.SugaredLogger
}

// MaskMaterial is one client's share of the pairwise key setup. Keys are
// indexed by the peer's position in the round's client list.
type MaskMaterial struct {
	Index int
	Keys  map[int]crypto.MaskKey
}

// Name returns the registry key of the protocol.
func (p *PRGProtocol) Name() string {
	return PRGName
}

// NewSession runs the pairwise key setup: one fresh key per unordered client
// pair, each key handed to exactly its two endpoints.
func (p *PRGProtocol) NewSession(ctx context.Context, conf *SessionConf) (*Session, error) {
	clients := conf.Players.Clients
	if len(clients) < 2 {
		return nil, &InvalidAggregation{Reason: "keyed-prg masking requires at least two clients"}
	}
	shares := make([]*MaskMaterial, len(clients))
	for i := range clients {
		shares[i] = &MaskMaterial{Index: i, Keys: map[int]crypto.MaskKey{}}
	}
	digest := sha256.New()
	for _, c := range clients {
		digest.Write([]byte(c))
	}
	for i := 0; i < len(clients); i++ {
		for j := i + 1; j < len(clients); j++ {
			key := crypto.NewMaskKey()
			shares[i].Keys[j] = key
			shares[j].Keys[i] = key
			digest.Write(key[:])
		}
	}
	material := map[PlayerName]interface{}{}
	for i, c := range clients {
		material[c] = shares[i]
	}
	s := NewSession(PRGName, conf, hex.EncodeToString(digest.Sum(nil)), material)
	p.logger.Debugw("Created prg session", RoundID, s.ID, ProtocolKey, PRGName, "clients", len(clients))
	return s, nil
}

// KernelFor maps abstract operations onto masked aggregation steps.
func (p *PRGProtocol) KernelFor(op graph.OpKind) (Kernel, error) {
	switch op {
	case graph.OpInput:
		return p.inputKernel, nil
	case graph.OpClassify, graph.OpBroaden:
		return metadataKernel, nil
	case graph.OpAddN, graph.OpMean:
		return p.aggregateKernel, nil
	case graph.OpOutput:
		return p.outputKernel, nil
	default:
		return nil, fmt.Errorf("protocol %s has no kernel for operation %s", PRGName, op)
	}
}

// ChannelRequirements demands a direct channel per client pair for the key
// setup, on top of the usual fan-in through the relay.
func (p *PRGProtocol) ChannelRequirements(players RoundPlayers) []channel.Spec {
	var specs []channel.Spec
	for i := 0; i < len(players.Clients); i++ {
		for j := i + 1; j < len(players.Clients); j++ {
			specs = append(specs, channel.Spec{From: players.Clients[i], To: players.Clients[j], Strategy: channel.StrategyDirect})
		}
	}
	for _, c := range players.Clients {
		specs = append(specs, channel.Spec{From: c, To: players.Aggregator, Strategy: channel.StrategyBulletinBoard})
	}
	specs = append(specs, channel.Spec{From: players.Aggregator, To: players.Receiver, Strategy: channel.StrategyBulletinBoard})
	return specs
}

// Compatible accepts sessions over the identical client population and key
// material: masks only cancel when every client derives from the same setup.
func (p *PRGProtocol) Compatible(a, b *Session) bool {
	if a == nil || b == nil || a.Protocol != PRGName || b.Protocol != PRGName {
		return false
	}
	return a.Fingerprint != "" && a.Fingerprint == b.Fingerprint
}

func (p *PRGProtocol) inputKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("mask/%s", node.Name),
		Inputs:  []ValueRef{InputRef(node.Name)},
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     maskContribution,
	}}, nil
}

func (p *PRGProtocol) aggregateKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("aggregate/%s", RefOf(node.ID)),
		Inputs:  inputRefs(node),
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     sumMasked,
	}}, nil
}

func (p *PRGProtocol) outputKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
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

// maskContribution fixed-point encodes a client's plaintext and adds its
// zero-sum round mask. The masked value is indistinguishable from random to
// anyone holding fewer than all other masks.
func maskContribution(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.New("mask expects exactly one input")
	}
	m, err := s.MaterialFor(player)
	if err != nil {
		return nil, err
	}
	share, ok := m.(*MaskMaterial)
	if !ok {
		return nil, &PolicyViolation{Reason: fmt.Sprintf("player %s holds no mask material in session %s", player, s.ID)}
	}
	fixed, err := codec.FixedPointEncode(inputs[0], codec.DefaultFixedPointScale)
	if err != nil {
		return nil, err
	}
	mask, err := crypto.ZeroSumMask(share.Index, share.Keys, s.Round, fixed.Len())
	if err != nil {
		return nil, err
	}
	masked, err := codec.AddWrap(fixed, codec.Tensor{Shape: fixed.Shape, DType: codec.Int64, Ints: mask})
	if err != nil {
		return nil, err
	}
	return []codec.Tensor{masked}, nil
}

// sumMasked folds the wrap-around sum over all masked inputs; the masks
// cancel and the fixed-point sum remains.
func sumMasked(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("masked sum requires at least one input")
	}
	acc := inputs[0]
	var err error
	for _, t := range inputs[1:] {
		acc, err = codec.AddWrap(acc, t)
		if err != nil {
			return nil, err
		}
	}
	return []codec.Tensor{acc}, nil
}
