// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package types

import (
	"time"

	"github.com/tf-encrypted/aggregator/pkg/attestation"
	"github.com/tf-encrypted/aggregator/pkg/receiver"
)

// PlayerName is the unique identity of a protocol participant.
type PlayerName string

// Player is an identity participating in an aggregation protocol.
// A player is created during setup and lives for the process lifetime.
type Player struct {
	Name PlayerName `json:"name"`
	// Role is an informational label, e.g. "client", "aggregator", "key-holder".
	Role string `json:"role"`
	// Address is the player's host:port endpoint, probed before a direct
	// channel to the player is opened. Empty for players only reachable
	// through the bulletin board.
	Address string `json:"address"`
}

// Device is a named execution location bound to one or more players.
// Virtual devices exist only during graph construction and are replaced by
// concrete devices when a computation is bound to a protocol.
type Device struct {
	Name    string       `json:"name"`
	Players []PlayerName `json:"players"`
	Virtual bool         `json:"virtual"`
}

// NewDevice returns a concrete device bound to the given players.
func NewDevice(name string, players ...PlayerName) Device {
	return Device{Name: name, Players: players}
}

// NewVirtualDevice returns a virtual device placeholder.
func NewVirtualDevice(name string) Device {
	return Device{Name: name, Virtual: true}
}

// HasPlayer returns true if the device is bound to the given player.
func (d Device) HasPlayer(p PlayerName) bool {
	for _, pl := range d.Players {
		if pl == p {
			return true
		}
	}
	return false
}

// AggregationKind selects the reduction applied to the client inputs.
type AggregationKind string

const (
	// AggregationSum sums all client contributions.
	AggregationSum AggregationKind = "sum"
	// AggregationMean sums all client contributions and divides by their count.
	AggregationMean AggregationKind = "mean"
)

// AggregatorConfig is the service configuration as read from the config file.
type AggregatorConfig struct {
	Port               string            `json:"port"`
	Protocol           string            `json:"protocol"`
	KeyBits            int               `json:"keyBits"`
	BusSize            int               `json:"busSize"`
	StateTimeout       string            `json:"stateTimeout"`
	ComputationTimeout string            `json:"computationTimeout"`
	RoutingTimeout     string            `json:"routingTimeout"`
	Players            []Player          `json:"players"`
	ReceiverConfig     ReceiverConfig    `json:"receiverConfig"`
	AttestationConfig  AttestationConfig `json:"attestationConfig"`
}

// ReceiverConfig specifies the output receiver host parameters.
type ReceiverConfig struct {
	Host   string `json:"host"`
	Scheme string `json:"scheme"`
	Path   string `json:"path"`
}

// AttestationConfig specifies the attestation service host parameters and
// the enclave measurement accepted by the enclave protocol.
type AttestationConfig struct {
	Host        string `json:"host"`
	Scheme      string `json:"scheme"`
	Path        string `json:"path"`
	Measurement string `json:"measurement"`
}

// AggregatorTypedConfig reflects AggregatorConfig, but it contains the real
// property types, e.g. string -> time.Duration.
type AggregatorTypedConfig struct {
	Port               string
	Protocol           string
	KeyBits            int
	BusSize            int
	StateTimeout       time.Duration
	ComputationTimeout time.Duration
	RoutingTimeout     time.Duration
	Players            []Player
	ReceiverClient     receiver.AbstractClient
	AttestationClient  attestation.AbstractClient
	Measurement        string
}
