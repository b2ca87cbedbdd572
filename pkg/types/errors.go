// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package types

import "fmt"

// PolicyViolation is returned when a plaintext value reached a device outside
// its secrecy set, or a combine/reveal was attempted without permission.
// It is always fatal to the enclosing computation and never retried.
type PolicyViolation struct {
	Node   string
	Reason string
}

func (e *PolicyViolation) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("policy violation: %s", e.Reason)
	}
	return fmt.Sprintf("policy violation at %s: %s", e.Node, e.Reason)
}

// UnsatisfiableSecrecy is returned at bind time when no valid device binding
// exists that satisfies the secrecy declared by a node. The computation is
// never executed.
type UnsatisfiableSecrecy struct {
	Node   string
	Device string
	Reason string
}

func (e *UnsatisfiableSecrecy) Error() string {
	return fmt.Sprintf("unsatisfiable secrecy at %s on device %s: %s", e.Node, e.Device, e.Reason)
}

// UnboundPlayer is returned when an execution plan references a player that
// is absent from the executor map. It is raised before any step runs.
type UnboundPlayer struct {
	Player PlayerName
}

func (e *UnboundPlayer) Error() string {
	return fmt.Sprintf("player %s referenced by the plan is not bound to an executor", e.Player)
}

// InvalidAggregation is returned during compilation, e.g. for an empty client
// set or mismatched input and player cardinality.
type InvalidAggregation struct {
	Reason string
}

func (e *InvalidAggregation) Error() string {
	return fmt.Sprintf("invalid aggregation: %s", e.Reason)
}

// ChannelError reports a routing failure: an unreachable player, a missing
// channel key or a decryption failure due to tampering. It aborts the whole
// plan; no automatic retry is attempted.
type ChannelError struct {
	From  PlayerName
	To    PlayerName
	Cause error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error %s -> %s: %v", e.From, e.To, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *ChannelError) Unwrap() error {
	return e.Cause
}
