// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package graph

import (
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/policy"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// SecureUnitDevice is the name of the virtual device aggregation is placed
// on. Binding replaces it with the protocol's concrete aggregation device.
const SecureUnitDevice = "secure-unit"

// NewAggregation builds the canonical aggregation computation: one input per
// client device, each restricted to its contributing client, combined on the
// virtual secure unit, broadened to the receiver and revealed there.
func NewAggregation(kind AggregationKind, clients []Device, receiver Device, shape []int) (*AbstractComputation, error) {
	b := NewBuilder()
	secure := NewVirtualDevice(SecureUnitDevice)

	ins := make([]Ref, len(clients))
	for i, dev := range clients {
		i, dev := i, dev
		b.OnDevice(dev, func() {
			ins[i] = b.Input(fmt.Sprintf("x%d", i), shape, codec.Float64, policy.Of(dev.Players...))
		})
	}

	var agg Ref
	b.OnDevice(secure, func() {
		switch kind {
		case AggregationMean:
			agg = b.Mean(ins...)
		default:
			agg = b.AddN(ins...)
		}
		agg = b.Broaden(agg, policy.Of(receiver.Players...))
	})
	b.Output(agg, receiver)
	return b.Build()
}
