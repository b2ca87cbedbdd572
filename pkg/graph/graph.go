// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package graph

import (
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/policy"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// OpKind enumerates the abstract operations a computation graph can contain.
type OpKind string

const (
	// OpInput introduces a client-supplied value.
	OpInput OpKind = "Input"
	// OpClassify narrows the secrecy set of its input.
	OpClassify OpKind = "Classify"
	// OpBroaden explicitly widens the secrecy set of its input.
	OpBroaden OpKind = "Broaden"
	// OpAddN sums all of its inputs.
	OpAddN OpKind = "AddN"
	// OpMean sums all of its inputs and divides by their count.
	OpMean OpKind = "Mean"
	// OpOutput reveals its input to the output receiver device.
	OpOutput OpKind = "Output"
)

// Ref identifies a node inside one computation.
type Ref int

// ValueSpec is the type of an edge: shape, element type, secrecy and the
// device the value lives on.
type ValueSpec struct {
	Shape     []int
	DType     codec.DType
	Secrecy   policy.SecrecySet
	Encrypted bool
	Scheme    string
	Device    string
}

// Node is a single operation of a computation graph.
type Node struct {
	ID     Ref
	Op     OpKind
	Name   string
	Device string
	Inputs []Ref
	Value  ValueSpec
}

// AbstractComputation is a protocol-agnostic, loop-free DAG of operations.
// Graphs are purely functional: all state lives in devices and players
// outside the graph.
type AbstractComputation struct {
	Nodes   []Node
	Devices map[string]Device
}

// Inputs returns the input nodes in graph order.
func (c *AbstractComputation) Inputs() []Node {
	var ins []Node
	for _, n := range c.Nodes {
		if n.Op == OpInput {
			ins = append(ins, n)
		}
	}
	return ins
}

// Output returns the output node and true, or false if the graph has none.
func (c *AbstractComputation) Output() (Node, bool) {
	for _, n := range c.Nodes {
		if n.Op == OpOutput {
			return n, true
		}
	}
	return Node{}, false
}

// Equal compares two computations syntactically: same operation sequence and
// same device/secrecy annotations. No semantic graph diffing is attempted.
func (c *AbstractComputation) Equal(other *AbstractComputation) bool {
	if other == nil || len(c.Nodes) != len(other.Nodes) {
		return false
	}
	for i := range c.Nodes {
		if !nodesEqual(c.Nodes[i], other.Nodes[i]) {
			return false
		}
	}
	return true
}

func nodesEqual(a, b Node) bool {
	if a.Op != b.Op || a.Device != b.Device || len(a.Inputs) != len(b.Inputs) {
		return false
	}
	for i := range a.Inputs {
		if a.Inputs[i] != b.Inputs[i] {
			return false
		}
	}
	return valueSpecsEqual(a.Value, b.Value)
}

func valueSpecsEqual(a, b ValueSpec) bool {
	if a.DType != b.DType || a.Encrypted != b.Encrypted || a.Scheme != b.Scheme || a.Device != b.Device {
		return false
	}
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return a.Secrecy.Equal(b.Secrecy)
}

// ConcreteComputation is an abstract computation bound to a protocol and to
// concrete devices, ready to be compiled into an execution plan.
type ConcreteComputation struct {
	AbstractComputation
	Protocol string
}

// Players returns the distinct players bound by the computation's devices.
func (c *ConcreteComputation) Players() []PlayerName {
	seen := map[PlayerName]struct{}{}
	var out []PlayerName
	for _, n := range c.Nodes {
		d := c.Devices[n.Device]
		for _, p := range d.Players {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out
}

// DeviceOwner returns the single player bound to a device. Composite devices
// return their first player; callers needing the full set use Devices.
func (c *ConcreteComputation) DeviceOwner(name string) (PlayerName, bool) {
	d, ok := c.Devices[name]
	if !ok || len(d.Players) == 0 {
		return "", false
	}
	return d.Players[0], true
}
