// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"context"
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"go.uber.org/zap"
)

// EnclaveName keys the enclave protocol in the registry.
const EnclaveName = "enclave"

// AttestationVerifier checks an enclave's attestation report and returns its
// measurement. Verification is a precondition for any value to be input.
type AttestationVerifier interface {
	Verify(ctx context.Context, enclave PlayerName) (string, error)
}

// NewEnclaveProtocol returns the enclave protocol: a trusted third party
// running inside attested hardware, reachable only through an
// enclave-operated channel.
func NewEnclaveProtocol(verifier AttestationVerifier, logger *zap.SugaredLogger) *EnclaveProtocol {
	return &EnclaveProtocol{
		trusted:  NewTrustedProtocol(logger),
		verifier: verifier,
		logger:   logger,
	}
}

// EnclaveProtocol aggregates plaintext inside an attested enclave. The
// kernels are those of the trusted protocol; what differs is the attestation
// precondition and the channel topology.
type EnclaveProtocol struct {
	trusted  *TrustedProtocol
	verifier AttestationVerifier
	logger   *zap.SugaredLogger
}

// Name returns the registry key of the protocol.
func (e *EnclaveProtocol) Name() string {
	return EnclaveName
}

// NewSession verifies the aggregator enclave's attestation report before any
// session material exists. A failed verification never produces a session.
func (e *EnclaveProtocol) NewSession(ctx context.Context, conf *SessionConf) (*Session, error) {
	if len(conf.Players.Clients) == 0 {
		return nil, &InvalidAggregation{Reason: "enclave session requires at least one client"}
	}
	measurement, err := e.verifier.Verify(ctx, conf.Players.Aggregator)
	if err != nil {
		return nil, fmt.Errorf("attestation of enclave %s failed: %v", conf.Players.Aggregator, err)
	}
	fingerprint := measurement + "|" + deviceGroupFingerprint(conf.Players)
	s := NewSession(EnclaveName, conf, fingerprint, map[PlayerName]interface{}{})
	e.logger.Debugw("Created enclave session", RoundID, s.ID, ProtocolKey, EnclaveName, "measurement", measurement)
	return s, nil
}

// KernelFor delegates to the trusted kernels; inside the enclave the
// aggregation is plain arithmetic.
func (e *EnclaveProtocol) KernelFor(op graph.OpKind) (Kernel, error) {
	k, err := e.trusted.KernelFor(op)
	if err != nil {
		return nil, fmt.Errorf("protocol %s has no kernel for operation %s", EnclaveName, op)
	}
	return k, nil
}

// ChannelRequirements connects every client to the enclave over a direct
// enclave-operated channel; only the result leaves through the relay.
func (e *EnclaveProtocol) ChannelRequirements(players RoundPlayers) []channel.Spec {
	var specs []channel.Spec
	for _, c := range players.Clients {
		specs = append(specs, channel.Spec{From: c, To: players.Aggregator, Strategy: channel.StrategyDirect})
	}
	specs = append(specs, channel.Spec{From: players.Aggregator, To: players.Receiver, Strategy: channel.StrategyBulletinBoard})
	return specs
}

// Compatible accepts sessions attested to the identical enclave measurement
// over the identical device group.
func (e *EnclaveProtocol) Compatible(a, b *Session) bool {
	if a == nil || b == nil || a.Protocol != EnclaveName || b.Protocol != EnclaveName {
		return false
	}
	return a.Fingerprint != "" && a.Fingerprint == b.Fingerprint
}
