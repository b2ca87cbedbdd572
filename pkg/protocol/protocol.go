// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the pluggable cryptographic protocols an
// aggregation can run under and the execution plans they expand into.
package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"github.com/google/uuid"
)

// RoundPlayers names the roles of one aggregation round. The key holder is
// only populated by protocols that separate decryption from aggregation.
type RoundPlayers struct {
	Clients    []PlayerName
	Aggregator PlayerName
	KeyHolder  PlayerName
	Receiver   PlayerName
}

// Equal compares two role assignments including client order.
func (p RoundPlayers) Equal(other RoundPlayers) bool {
	if p.Aggregator != other.Aggregator || p.KeyHolder != other.KeyHolder || p.Receiver != other.Receiver {
		return false
	}
	if len(p.Clients) != len(other.Clients) {
		return false
	}
	for i := range p.Clients {
		if p.Clients[i] != other.Clients[i] {
			return false
		}
	}
	return true
}

// All returns every player of the round exactly once.
func (p RoundPlayers) All() []PlayerName {
	seen := map[PlayerName]struct{}{}
	var out []PlayerName
	add := func(name PlayerName) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, c := range p.Clients {
		add(c)
	}
	add(p.Aggregator)
	add(p.KeyHolder)
	add(p.Receiver)
	return out
}

// SessionConf parameterizes session setup for one aggregation round.
type SessionConf struct {
	Players RoundPlayers
	Round   uint64
	KeyBits int
}

// Session is the per-round protocol state, e.g. a freshly generated keypair.
// Material is exclusively owned by the player it was generated for and is
// handed out to no one else.
type Session struct {
	ID          uuid.UUID
	Protocol    string
	Round       uint64
	Players     RoundPlayers
	Fingerprint string
	material    map[PlayerName]interface{}
}

// NewSession assembles a session from freshly generated material.
func NewSession(protocol string, conf *SessionConf, fingerprint string, material map[PlayerName]interface{}) *Session {
	return &Session{
		ID:          uuid.New(),
		Protocol:    protocol,
		Round:       conf.Round,
		Players:     conf.Players,
		Fingerprint: fingerprint,
		material:    material,
	}
}

// MaterialFor hands a player its own session material. Asking for material
// that was never granted to the player is a policy violation, not a lookup
// miss: it is how a curious aggregator is stopped from decrypting.
func (s *Session) MaterialFor(player PlayerName) (interface{}, error) {
	m, ok := s.material[player]
	if !ok {
		return nil, &PolicyViolation{Reason: fmt.Sprintf("player %s holds no material in session %s", player, s.ID)}
	}
	return m, nil
}

// Kernel expands one abstract operation into the concrete plan actions
// realizing it under a protocol.
type Kernel func(node graph.Node, comp *graph.ConcreteComputation, s *Session) ([]Action, error)

// Protocol is a stateless specification of how abstract aggregation
// operations map onto concrete per-player steps.
type Protocol interface {
	// Name keys the protocol in the registry and in concrete computations.
	Name() string
	// NewSession generates the per-round state, e.g. running key generation
	// on the key-holder device.
	NewSession(ctx context.Context, conf *SessionConf) (*Session, error)
	// KernelFor returns the kernel realizing the given operation kind.
	KernelFor(op graph.OpKind) (Kernel, error)
	// ChannelRequirements declares the pairwise channels that must exist
	// before execution starts.
	ChannelRequirements(players RoundPlayers) []channel.Spec
	// Compatible reports whether two sessions may be composed across rounds.
	Compatible(a, b *Session) bool
}

// Registry maps protocol names to implementations so new schemes can be added
// without touching the compiler.
type Registry struct {
	mux       sync.Mutex
	protocols map[string]Protocol
}

// NewRegistry returns an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{protocols: map[string]Protocol{}}
}

// Register adds a protocol under its name.
func (r *Registry) Register(p Protocol) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.protocols[p.Name()]; ok {
		return fmt.Errorf("protocol %s is already registered", p.Name())
	}
	r.protocols[p.Name()] = p
	return nil
}

// Get looks up a protocol by name.
func (r *Registry) Get(name string) (Protocol, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	p, ok := r.protocols[name]
	if !ok {
		return nil, fmt.Errorf("no protocol registered under the name %s", name)
	}
	return p, nil
}
