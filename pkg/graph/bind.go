// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package graph

import (
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/policy"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// Bind replaces the virtual devices of an abstract computation with concrete
// ones and checks that every node's declared secrecy is satisfiable by the
// bound devices' player sets. Binding is the act that turns an abstract
// computation into a concrete one.
func (c *AbstractComputation) Bind(protocol string, bindings map[string]Device) (*ConcreteComputation, error) {
	devices := make(map[string]Device, len(c.Devices))
	for name, dev := range c.Devices {
		bound := dev
		if replacement, ok := bindings[name]; ok {
			bound = replacement
		}
		if bound.Virtual {
			return nil, &UnsatisfiableSecrecy{
				Device: name,
				Reason: "no concrete device bound for virtual device",
			}
		}
		if len(bound.Players) == 0 {
			return nil, &UnsatisfiableSecrecy{
				Device: name,
				Reason: "concrete device is bound to no player",
			}
		}
		devices[name] = bound
	}

	nodes := make([]Node, len(c.Nodes))
	copy(nodes, c.Nodes)
	for i, n := range nodes {
		dev, ok := devices[n.Device]
		if !ok {
			return nil, &UnsatisfiableSecrecy{
				Node:   fmt.Sprintf("%s(%d)", n.Op, n.ID),
				Device: n.Device,
				Reason: "node is placed on an unknown device",
			}
		}
		// A plaintext value must never be materialized on a device whose
		// owning players fall outside its secrecy set.
		if !n.Value.Encrypted && !policy.ObservableOn(n.Value.Secrecy, dev) {
			return nil, &UnsatisfiableSecrecy{
				Node:   fmt.Sprintf("%s(%d)", n.Op, n.ID),
				Device: dev.Name,
				Reason: fmt.Sprintf("device players %v are outside secrecy set %s", dev.Players, n.Value.Secrecy),
			}
		}
		nodes[i] = n
	}
	return &ConcreteComputation{
		AbstractComputation: AbstractComputation{Nodes: nodes, Devices: devices},
		Protocol:            protocol,
	}, nil
}
