// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package channel

import (
	"context"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// Strategy selects how values are routed between players.
type Strategy string

const (
	// StrategyBulletinBoard routes every message through the server, which
	// relays sealed bytes without being able to decrypt them. It is the
	// default for volatile clients that cannot accept inbound connections.
	StrategyBulletinBoard Strategy = "bulletin-board"
	// StrategyDirect opens an authenticated point-to-point channel.
	StrategyDirect Strategy = "direct"
)

// Spec declares a pairwise channel a protocol requires before execution.
type Spec struct {
	From     PlayerName
	To       PlayerName
	Strategy Strategy
}

// Transport moves tensors between players. Routing is the sole suspension
// point of plan execution; a send or receive that cannot complete within the
// configured timeout fails with a ChannelError. VerifyChannels is the
// precondition check that every channel a protocol requires exists before the
// first plan step runs.
type Transport interface {
	VerifyChannels(specs []Spec) error
	Send(ctx context.Context, from, to PlayerName, tag string, strategy Strategy, t codec.Tensor) error
	Receive(ctx context.Context, to PlayerName, tag string) (codec.Tensor, error)
}

// Envelope is a sealed message in flight. The relay only ever observes the
// sealed bytes. Direct envelopes carry a signature binding the message to the
// sender's long-term identity.
type Envelope struct {
	From     PlayerName
	To       PlayerName
	Tag      string
	Strategy Strategy
	Sealed   []byte
	Sig      []byte
}
