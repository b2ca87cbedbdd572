// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package types

const (
	// RoundEventsTopic carries lifecycle events of an aggregation round.
	RoundEventsTopic = "roundEvents"
	// MailboxTopicPrefix prefixes the per-player bulletin-board mailbox topics.
	MailboxTopicPrefix = "mailbox."

	// Round FSM states.
	Init      = "Init"
	Routing   = "Routing"
	Executing = "Executing"
	RoundDone = "RoundDone"

	// Round FSM events.
	RoundStarted             = "RoundStarted"
	StepsScheduled           = "StepsScheduled"
	RoundFinishedWithSuccess = "RoundFinishedWithSuccess"
	RoundFinishedWithError   = "RoundFinishedWithError"
	StateTimeoutError        = "StateTimeoutError"

	// Player roles as used in the service configuration.
	RoleClient     = "client"
	RoleAggregator = "aggregator"
	RoleKeyHolder  = "key-holder"
	RoleReceiver   = "receiver"

	// RoundID is the structured logging key for the aggregation round.
	RoundID = "roundID"
	// ProtocolKey is the structured logging key for the protocol name.
	ProtocolKey = "protocol"
)
