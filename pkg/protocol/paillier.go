// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/crypto"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"go.uber.org/zap"
)

// PaillierName keys the Paillier protocol in the registry.
const PaillierName = "paillier"

// DefaultPaillierKeyBits is the modulus size used when the session
// configuration does not override it.
const DefaultPaillierKeyBits = 2048

// NewPaillierProtocol returns the Paillier protocol: the aggregator combines
// ciphertexts homomorphically under a keypair held by a distinct key holder,
// so the aggregator never sees plaintext. Revealing the result costs one
// decrypt round-trip through the key holder.
func NewPaillierProtocol(logger *zap.SugaredLogger) *PaillierProtocol {
	return &PaillierProtocol{logger: logger}
}

// PaillierProtocol aggregates under additively homomorphic encryption.
type PaillierProtocol struct {
	logger *zap.SugaredLogger
}

// Name returns the registry key of the protocol.
func (p *PaillierProtocol) Name() string {
	return PaillierName
}

// NewSession runs key generation on the key-holder device. The private key
// stays with the key holder; clients and the aggregator receive only the
// encryption half.
func (p *PaillierProtocol) NewSession(ctx context.Context, conf *SessionConf) (*Session, error) {
	if len(conf.Players.Clients) == 0 {
		return nil, &InvalidAggregation{Reason: "paillier session requires at least one client"}
	}
	if conf.Players.KeyHolder == "" {
		return nil, &InvalidAggregation{Reason: "paillier session requires a key holder distinct from the aggregator"}
	}
	bits := conf.KeyBits
	if bits == 0 {
		bits = DefaultPaillierKeyBits
	}
	sk, err := crypto.GeneratePaillierKeypair(bits)
	if err != nil {
		return nil, fmt.Errorf("paillier key generation failed: %v", err)
	}
	pk := sk.PublicKey()
	material := map[PlayerName]interface{}{
		conf.Players.KeyHolder:  sk,
		conf.Players.Aggregator: pk,
	}
	for _, c := range conf.Players.Clients {
		material[c] = pk
	}
	s := NewSession(PaillierName, conf, pk.Fingerprint(), material)
	p.logger.Debugw("Created paillier session", RoundID, s.ID, ProtocolKey, PaillierName, "keyBits", bits)
	return s, nil
}

// KernelFor maps abstract operations onto homomorphic aggregation steps.
func (p *PaillierProtocol) KernelFor(op graph.OpKind) (Kernel, error) {
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
		return nil, fmt.Errorf("protocol %s has no kernel for operation %s", PaillierName, op)
	}
}

// ChannelRequirements adds the decrypt round-trip through the key holder to
// the usual client-to-aggregator fan-in.
func (p *PaillierProtocol) ChannelRequirements(players RoundPlayers) []channel.Spec {
	var specs []channel.Spec
	for _, c := range players.Clients {
		specs = append(specs, channel.Spec{From: c, To: players.Aggregator, Strategy: channel.StrategyBulletinBoard})
	}
	specs = append(specs,
		channel.Spec{From: players.Aggregator, To: players.KeyHolder, Strategy: channel.StrategyBulletinBoard},
		channel.Spec{From: players.KeyHolder, To: players.Receiver, Strategy: channel.StrategyBulletinBoard},
	)
	return specs
}

// Compatible accepts sessions sharing the identical keypair: ciphertexts only
// compose under the same modulus.
func (p *PaillierProtocol) Compatible(a, b *Session) bool {
	if a == nil || b == nil || a.Protocol != PaillierName || b.Protocol != PaillierName {
		return false
	}
	return a.Fingerprint != "" && a.Fingerprint == b.Fingerprint
}

func (p *PaillierProtocol) inputKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("encrypt/%s", node.Name),
		Inputs:  []ValueRef{InputRef(node.Name)},
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     encryptContribution,
	}}, nil
}

func (p *PaillierProtocol) aggregateKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	return []Action{&Step{
		Player:  player,
		Name:    fmt.Sprintf("aggregate/%s", RefOf(node.ID)),
		Inputs:  inputRefs(node),
		Outputs: []ValueRef{RefOf(node.ID)},
		Run:     sumCiphertexts,
	}}, nil
}

// outputKernel expands into the decrypt round-trip: the key holder decrypts,
// the receiver decodes. Routing between the two is inserted by the compiler.
func (p *PaillierProtocol) outputKernel(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error) {
	player, err := ownerOf(comp, node)
	if err != nil {
		return nil, err
	}
	kind, count := aggregationSource(comp, node)
	decrypted := ValueRef(fmt.Sprintf("%s/decrypted", RefOf(node.ID)))
	return []Action{
		&Step{
			Player:  s.Players.KeyHolder,
			Name:    fmt.Sprintf("decrypt/%s", RefOf(node.ID)),
			Inputs:  []ValueRef{RefOf(node.Inputs[0])},
			Outputs: []ValueRef{decrypted},
			Run:     decryptAggregate,
		},
		&Step{
			Player:  player,
			Name:    fmt.Sprintf("reveal/%s", RefOf(node.ID)),
			Inputs:  []ValueRef{decrypted},
			Outputs: []ValueRef{RefOf(node.ID)},
			Run:     revealTail(kind, count),
		},
	}, nil
}

// encryptContribution fixed-point encodes a client's plaintext and encrypts
// it elementwise under the session's public key.
func encryptContribution(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.New("encrypt expects exactly one input")
	}
	pk, err := encryptionKeyFor(s, player)
	if err != nil {
		return nil, err
	}
	fixed, err := codec.FixedPointEncode(inputs[0], codec.DefaultFixedPointScale)
	if err != nil {
		return nil, err
	}
	ms, err := codec.ToBigInts(fixed, pk.N)
	if err != nil {
		return nil, err
	}
	raw := make([][]byte, len(ms))
	for i, m := range ms {
		c, err := pk.Encrypt(m)
		if err != nil {
			return nil, err
		}
		raw[i] = c.Bytes()
	}
	return []codec.Tensor{{Shape: inputs[0].Shape, DType: codec.Bytes, Raw: raw}}, nil
}

// sumCiphertexts folds the homomorphic add over all input ciphertext vectors,
// starting from a fresh encryption of zero as the reduction identity.
func sumCiphertexts(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("ciphertext sum requires at least one input")
	}
	pk, err := encryptionKeyFor(s, player)
	if err != nil {
		return nil, err
	}
	n := inputs[0].Len()
	acc := make([]*big.Int, n)
	for i := range acc {
		acc[i], err = pk.EncryptZero()
		if err != nil {
			return nil, err
		}
	}
	for _, t := range inputs {
		if t.DType != codec.Bytes || len(t.Raw) != n {
			return nil, errors.New("ciphertext sum requires ciphertext vectors of identical length")
		}
		for i, raw := range t.Raw {
			acc[i] = pk.AddCiphertexts(acc[i], new(big.Int).SetBytes(raw))
		}
	}
	raw := make([][]byte, n)
	for i, c := range acc {
		raw[i] = c.Bytes()
	}
	return []codec.Tensor{{Shape: inputs[0].Shape, DType: codec.Bytes, Raw: raw}}, nil
}

// decryptAggregate recovers the fixed-point sum from the aggregated
// ciphertext. Only the key holder's material contains the private key; any
// other player attempting this step fails with a policy violation.
func decryptAggregate(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.New("decrypt expects exactly one input")
	}
	m, err := s.MaterialFor(player)
	if err != nil {
		return nil, err
	}
	sk, ok := m.(*crypto.PaillierPrivateKey)
	if !ok {
		return nil, &PolicyViolation{Reason: fmt.Sprintf("player %s is not permitted to decrypt in session %s", player, s.ID)}
	}
	t := inputs[0]
	ms := make([]*big.Int, len(t.Raw))
	for i, raw := range t.Raw {
		ms[i], err = sk.Decrypt(new(big.Int).SetBytes(raw))
		if err != nil {
			return nil, err
		}
	}
	fixed, err := codec.FromBigInts(ms, t.Shape, sk.N)
	if err != nil {
		return nil, err
	}
	return []codec.Tensor{fixed}, nil
}

func encryptionKeyFor(s *Session, player PlayerName) (*crypto.PaillierPublicKey, error) {
	m, err := s.MaterialFor(player)
	if err != nil {
		return nil, err
	}
	switch key := m.(type) {
	case *crypto.PaillierPublicKey:
		return key, nil
	case *crypto.PaillierPrivateKey:
		return key.PublicKey(), nil
	default:
		return nil, &PolicyViolation{Reason: fmt.Sprintf("player %s holds no encryption key in session %s", player, s.ID)}
	}
}
