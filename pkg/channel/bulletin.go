// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package channel

import (
	"sync"

	. "github.com/tf-encrypted/aggregator/pkg/types"

	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// NewBulletinBoard returns a bulletin board relaying envelopes over the
// given message bus.
func NewBulletinBoard(bus mb.MessageBus, logger *zap.SugaredLogger) *BulletinBoard {
	return &BulletinBoard{bus: bus, logger: logger}
}

// BulletinBoard is the server-side relay: senders deposit sealed envelopes,
// the board forwards them to the recipient's mailbox topic. The board never
// holds a decryption key, so it never gains plaintext access.
type BulletinBoard struct {
	bus      mb.MessageBus
	logger   *zap.SugaredLogger
	mux      sync.Mutex
	observed []*Envelope
}

// Deposit accepts a sealed envelope and relays it to the recipient.
func (b *BulletinBoard) Deposit(env *Envelope) {
	b.mux.Lock()
	b.observed = append(b.observed, env)
	b.mux.Unlock()
	b.logger.Debugw("Relaying envelope", "from", env.From, "to", env.To, "tag", env.Tag, "bytes", len(env.Sealed))
	b.bus.Publish(MailboxTopicPrefix+string(env.To), env)
}

// Subscribe registers a recipient's mailbox handler.
func (b *BulletinBoard) Subscribe(player PlayerName, handler func(*Envelope)) error {
	return b.bus.Subscribe(MailboxTopicPrefix+string(player), handler)
}

// Unsubscribe drops a recipient's mailbox topic.
func (b *BulletinBoard) Unsubscribe(player PlayerName) {
	b.bus.Close(MailboxTopicPrefix + string(player))
}

// Observed returns every envelope the relay has seen. The relay's view is
// what an honest-but-curious server learns: sealed bytes and metadata only.
func (b *BulletinBoard) Observed() []*Envelope {
	b.mux.Lock()
	defer b.mux.Unlock()
	out := make([]*Envelope, len(b.observed))
	copy(out, b.observed)
	return out
}
