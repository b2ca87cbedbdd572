// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package channel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/crypto"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"go.uber.org/zap"
)

// NetworkConf configures the in-process network connecting the players.
type NetworkConf struct {
	Players        []PlayerName
	Strategy       Strategy
	RoutingTimeout time.Duration
	Board          *BulletinBoard
	// Addresses maps players to their host:port endpoints. Only players with
	// an address are reachability-probed before direct channels open.
	Addresses map[PlayerName]string
	// Checker probes direct-channel endpoints during VerifyChannels. Nil
	// falls back to the NoopChecker.
	Checker Checker
	Logger  *zap.SugaredLogger
}

// NewNetwork creates an endpoint with a fresh player identity for every
// player and wires the endpoints to the bulletin board.
func NewNetwork(conf *NetworkConf) (*Network, error) {
	if conf.Board == nil {
		return nil, errors.New("network requires a bulletin board")
	}
	if conf.RoutingTimeout == 0 {
		return nil, errors.New("network requires a routing timeout")
	}
	checker := conf.Checker
	if checker == nil {
		checker = &NoopChecker{}
	}
	n := &Network{
		strategy:  conf.Strategy,
		board:     conf.Board,
		timeout:   conf.RoutingTimeout,
		addresses: conf.Addresses,
		checker:   checker,
		endpoints: map[PlayerName]*Endpoint{},
		logger:    conf.Logger,
	}
	for _, p := range conf.Players {
		if err := n.AddPlayer(p); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Network is an in-process secure transport between player endpoints. Each
// endpoint owns its player's long-term identity; the network itself only
// moves sealed envelopes.
type Network struct {
	strategy  Strategy
	board     *BulletinBoard
	timeout   time.Duration
	addresses map[PlayerName]string
	checker   Checker
	mux       sync.Mutex
	endpoints map[PlayerName]*Endpoint
	logger    *zap.SugaredLogger
}

// AddPlayer registers an endpoint for a player joining the network. The
// endpoint's channel keys are the box half of a fresh long-term identity, so
// every sealed message is bound to the identity that opened the endpoint.
func (n *Network) AddPlayer(p PlayerName) error {
	n.mux.Lock()
	defer n.mux.Unlock()
	if _, ok := n.endpoints[p]; ok {
		return nil
	}
	identity, err := crypto.NewIdentity(string(p))
	if err != nil {
		return err
	}
	e := &Endpoint{player: p, identity: identity, inboxes: map[string]chan *Envelope{}}
	if err := n.board.Subscribe(p, e.deliver); err != nil {
		return err
	}
	n.endpoints[p] = e
	return nil
}

// VerifyChannels checks that every required channel can be served before a
// plan starts: both endpoints must be registered, and direct channels to
// players with a known address must be reachable.
func (n *Network) VerifyChannels(specs []Spec) error {
	for _, spec := range specs {
		if _, err := n.endpoint(spec.From); err != nil {
			return &ChannelError{From: spec.From, To: spec.To, Cause: err}
		}
		if _, err := n.endpoint(spec.To); err != nil {
			return &ChannelError{From: spec.From, To: spec.To, Cause: err}
		}
		if spec.Strategy != StrategyDirect {
			continue
		}
		addr, ok := n.addresses[spec.To]
		if !ok {
			continue
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return &ChannelError{From: spec.From, To: spec.To, Cause: err}
		}
		if err := n.checker.Verify(host, port); err != nil {
			return &ChannelError{From: spec.From, To: spec.To, Cause: err}
		}
	}
	return nil
}

// Send seals a tensor for the recipient and routes it according to the given
// strategy; an empty strategy falls back to the network default.
func (n *Network) Send(ctx context.Context, from, to PlayerName, tag string, strategy Strategy, t codec.Tensor) error {
	sender, err := n.endpoint(from)
	if err != nil {
		return &ChannelError{From: from, To: to, Cause: err}
	}
	recipient, err := n.endpoint(to)
	if err != nil {
		return &ChannelError{From: from, To: to, Cause: err}
	}
	var wire []byte
	if err := codec.Marshal(t, &wire); err != nil {
		return &ChannelError{From: from, To: to, Cause: err}
	}
	if strategy == "" {
		strategy = n.strategy
	}
	env := &Envelope{From: from, To: to, Tag: tag, Strategy: strategy}
	switch strategy {
	case StrategyDirect:
		// Point-to-point: authenticated seal, signed by the sender's
		// identity, delivered without the relay.
		env.Sealed, err = sender.identity.Box.SealAuthenticated(wire, recipient.identity.Box.Public)
		if err != nil {
			return &ChannelError{From: from, To: to, Cause: err}
		}
		env.Sig = sender.identity.Sign(signedPayload(env))
		recipient.deliver(env)
	default:
		// Bulletin board: anonymous seal under the recipient's public key,
		// deposited with the relay.
		env.Sealed, err = crypto.Seal(wire, recipient.identity.Box.Public)
		if err != nil {
			return &ChannelError{From: from, To: to, Cause: err}
		}
		n.board.Deposit(env)
	}
	return nil
}

// Receive collects and opens the envelope addressed to the player under the
// given tag. It fails with a ChannelError when the routing timeout elapses,
// e.g. because a client never responded.
func (n *Network) Receive(ctx context.Context, to PlayerName, tag string) (codec.Tensor, error) {
	e, err := n.endpoint(to)
	if err != nil {
		return codec.Tensor{}, &ChannelError{To: to, Cause: err}
	}
	select {
	case env := <-e.inbox(tag):
		wire, err := n.open(e, env)
		if err != nil {
			return codec.Tensor{}, &ChannelError{From: env.From, To: to, Cause: err}
		}
		t, err := codec.Unmarshal(wire)
		if err != nil {
			return codec.Tensor{}, &ChannelError{From: env.From, To: to, Cause: err}
		}
		return t, nil
	case <-ctx.Done():
		return codec.Tensor{}, &ChannelError{To: to, Cause: ctx.Err()}
	case <-time.After(n.timeout):
		return codec.Tensor{}, &ChannelError{To: to, Cause: fmt.Errorf("no message tagged %s arrived within %s", tag, n.timeout)}
	}
}

// PublicKey exposes a player's channel public key, e.g. for the directory
// handed to external senders.
func (n *Network) PublicKey(p PlayerName) (*[32]byte, error) {
	e, err := n.endpoint(p)
	if err != nil {
		return nil, err
	}
	return e.identity.Box.Public, nil
}

// IdentityKey exposes a player's long-term signature public key.
func (n *Network) IdentityKey(p PlayerName) (ed25519.PublicKey, error) {
	e, err := n.endpoint(p)
	if err != nil {
		return nil, err
	}
	return e.identity.Public, nil
}

// open verifies and decrypts an envelope. Direct envelopes must carry a valid
// signature under the sender's identity before the box is even opened.
func (n *Network) open(e *Endpoint, env *Envelope) ([]byte, error) {
	if env.Strategy == StrategyDirect {
		sender, err := n.endpoint(env.From)
		if err != nil {
			return nil, err
		}
		if !crypto.VerifySignature(sender.identity.Public, signedPayload(env), env.Sig) {
			return nil, fmt.Errorf("envelope signature does not verify under the identity of %s", env.From)
		}
		return e.identity.Box.OpenAuthenticated(env.Sealed, sender.identity.Box.Public)
	}
	return e.identity.Box.Open(env.Sealed)
}

func (n *Network) endpoint(p PlayerName) (*Endpoint, error) {
	n.mux.Lock()
	defer n.mux.Unlock()
	e, ok := n.endpoints[p]
	if !ok {
		return nil, fmt.Errorf("player %s has no endpoint on this network", p)
	}
	return e, nil
}

// signedPayload is the byte string a direct envelope's signature covers. The
// routing metadata is included so an envelope cannot be replayed under a
// different tag or recipient.
func signedPayload(env *Envelope) []byte {
	header := fmt.Sprintf("%s|%s|%s|", env.From, env.To, env.Tag)
	return append([]byte(header), env.Sealed...)
}

// Endpoint is one player's attachment to the network. The identity's private
// halves never leave the endpoint.
type Endpoint struct {
	player   PlayerName
	identity *crypto.Identity
	mux      sync.Mutex
	inboxes  map[string]chan *Envelope
}

// deliver routes an incoming envelope into its tag inbox.
func (e *Endpoint) deliver(env *Envelope) {
	e.inbox(env.Tag) <- env
}

func (e *Endpoint) inbox(tag string) chan *Envelope {
	e.mux.Lock()
	defer e.mux.Unlock()
	ch, ok := e.inboxes[tag]
	if !ok {
		ch = make(chan *Envelope, 16)
		e.inboxes[tag] = ch
	}
	return ch
}
