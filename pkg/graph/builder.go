// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package graph

import (
	"errors"
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/policy"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// Builder records operations into a computation graph. Device placement is
// explicit: operations are recorded on the device on top of the device stack.
// Host-language control flow is the caller's concern; loops are unrolled by
// invoking the builder repeatedly, so the produced graph is loop-free.
type Builder struct {
	nodes       []Node
	devices     map[string]Device
	deviceStack []string
	err         error
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{devices: map[string]Device{}}
}

// PushDevice makes the given device the placement for subsequently recorded
// operations. Every PushDevice must be paired with a PopDevice.
func (b *Builder) PushDevice(d Device) *Builder {
	b.devices[d.Name] = d
	b.deviceStack = append(b.deviceStack, d.Name)
	return b
}

// PopDevice restores the previous placement.
func (b *Builder) PopDevice() *Builder {
	if len(b.deviceStack) == 0 {
		b.fail(errors.New("device stack is empty"))
		return b
	}
	b.deviceStack = b.deviceStack[:len(b.deviceStack)-1]
	return b
}

// OnDevice records the operations issued by fn on the given device.
func (b *Builder) OnDevice(d Device, fn func()) *Builder {
	b.PushDevice(d)
	fn()
	return b.PopDevice()
}

// Input records a client-supplied plaintext value on the current device,
// restricted to the given secrecy set.
func (b *Builder) Input(name string, shape []int, dtype codec.DType, secrecy policy.SecrecySet) Ref {
	dev, ok := b.currentDevice()
	if !ok {
		return b.failRef(errors.New("input recorded with no device in scope"))
	}
	return b.append(Node{
		Op:     OpInput,
		Name:   name,
		Device: dev,
		Value:  ValueSpec{Shape: shape, DType: dtype, Secrecy: secrecy, Device: dev},
	})
}

// Classify narrows the secrecy of a value to owners. Only restriction is
// permitted; widening must go through Broaden.
func (b *Builder) Classify(in Ref, owners policy.SecrecySet) Ref {
	n, ok := b.node(in)
	if !ok {
		return b.failRef(fmt.Errorf("classify references unknown node %d", in))
	}
	narrowed, err := policy.Narrow(n.Value.Secrecy, owners)
	if err != nil {
		return b.failRef(err)
	}
	v := n.Value
	v.Secrecy = narrowed
	return b.append(Node{Op: OpClassify, Device: n.Device, Inputs: []Ref{in}, Value: v})
}

// Broaden explicitly widens the secrecy of a value by extra players. It is a
// no-op at runtime and exists purely as an auditable permission grant.
func (b *Builder) Broaden(in Ref, extra policy.SecrecySet) Ref {
	n, ok := b.node(in)
	if !ok {
		return b.failRef(fmt.Errorf("broaden references unknown node %d", in))
	}
	v := n.Value
	v.Secrecy = policy.Widen(v.Secrecy, extra)
	return b.append(Node{Op: OpBroaden, Device: n.Device, Inputs: []Ref{in}, Value: v})
}

// AddN records the elementwise sum of all inputs on the current device.
// On a plain device, combining requires identical secrecy sets; mismatched
// sets must be narrowed via Classify or widened via Broaden first. On a
// virtual secure device, mismatched sets are permitted: the result is opaque
// with bottom secrecy and must be explicitly broadened before it can be
// revealed.
func (b *Builder) AddN(ins ...Ref) Ref {
	return b.combine(OpAddN, ins)
}

// Mean records the elementwise mean of all inputs on the current device.
func (b *Builder) Mean(ins ...Ref) Ref {
	return b.combine(OpMean, ins)
}

func (b *Builder) combine(op OpKind, ins []Ref) Ref {
	if len(ins) == 0 {
		return b.failRef(&InvalidAggregation{Reason: "combining operation requires at least one input"})
	}
	dev, ok := b.currentDevice()
	if !ok {
		return b.failRef(fmt.Errorf("%s recorded with no device in scope", op))
	}
	first, ok := b.node(ins[0])
	if !ok {
		return b.failRef(fmt.Errorf("%s references unknown node %d", op, ins[0]))
	}
	secure := b.devices[dev].Virtual
	secrecy := first.Value.Secrecy
	for _, in := range ins[1:] {
		n, ok := b.node(in)
		if !ok {
			return b.failRef(fmt.Errorf("%s references unknown node %d", op, in))
		}
		if !secure && !n.Value.Secrecy.Equal(secrecy) {
			return b.failRef(&PolicyViolation{
				Node: fmt.Sprintf("%s(%d)", op, len(b.nodes)),
				Reason: fmt.Sprintf("cannot combine values with secrecy %s and %s without an explicit classify or broaden",
					secrecy, n.Value.Secrecy),
			})
		}
		if !valueSpecsCompatible(first.Value, n.Value) {
			return b.failRef(&InvalidAggregation{Reason: "combined inputs must share shape and dtype"})
		}
	}
	v := first.Value
	v.Device = dev
	if secure {
		// The aggregate exists only in protocol-protected form until an
		// explicit broaden grants someone permission to see the plaintext.
		v.Encrypted = true
		v.Secrecy = policy.Bottom()
	}
	return b.append(Node{Op: op, Device: dev, Inputs: ins, Value: v})
}

// Output reveals a value as plaintext to the receiver device. The receiver's
// players must be permitted by the value's secrecy set; an opaque aggregate
// that was never broadened has bottom secrecy and cannot be revealed.
func (b *Builder) Output(in Ref, receiver Device) Ref {
	n, ok := b.node(in)
	if !ok {
		return b.failRef(fmt.Errorf("output references unknown node %d", in))
	}
	if receiver.Virtual {
		return b.failRef(errors.New("output receiver must be a concrete device"))
	}
	if !policy.ObservableOn(n.Value.Secrecy, receiver) {
		return b.failRef(&PolicyViolation{
			Node:   "Output",
			Reason: fmt.Sprintf("receiver device %s is outside secrecy set %s", receiver.Name, n.Value.Secrecy),
		})
	}
	b.devices[receiver.Name] = receiver
	v := n.Value
	v.Device = receiver.Name
	v.Encrypted = false
	v.Secrecy = policy.Of(receiver.Players...)
	return b.append(Node{Op: OpOutput, Device: receiver.Name, Inputs: []Ref{in}, Value: v})
}

// Build finalizes the graph. It fails with the first error recorded by any
// builder call.
func (b *Builder) Build() (*AbstractComputation, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.deviceStack) != 0 {
		return nil, errors.New("unbalanced device stack, missing PopDevice")
	}
	if len(b.nodes) == 0 {
		return nil, errors.New("empty computation")
	}
	devices := make(map[string]Device, len(b.devices))
	for k, v := range b.devices {
		devices[k] = v
	}
	nodes := make([]Node, len(b.nodes))
	copy(nodes, b.nodes)
	return &AbstractComputation{Nodes: nodes, Devices: devices}, nil
}

func (b *Builder) append(n Node) Ref {
	if b.err != nil {
		return Ref(-1)
	}
	n.ID = Ref(len(b.nodes))
	b.nodes = append(b.nodes, n)
	return n.ID
}

func (b *Builder) node(r Ref) (Node, bool) {
	if r < 0 || int(r) >= len(b.nodes) {
		return Node{}, false
	}
	return b.nodes[r], true
}

func (b *Builder) currentDevice() (string, bool) {
	if len(b.deviceStack) == 0 {
		return "", false
	}
	return b.deviceStack[len(b.deviceStack)-1], true
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) failRef(err error) Ref {
	b.fail(err)
	return Ref(-1)
}

func valueSpecsCompatible(a, b ValueSpec) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
