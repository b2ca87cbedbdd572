// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package graph

import (
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/policy"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Builder", func() {
	var (
		alice    = NewDevice("alice/0", "alice")
		bob      = NewDevice("bob/0", "bob")
		receiver = NewDevice("receiver/0", "receiver")
		secure   = NewVirtualDevice(SecureUnitDevice)
	)

	Context("when recording inputs", func() {
		It("places them on the device in scope", func() {
			b := NewBuilder()
			var in Ref
			b.OnDevice(alice, func() {
				in = b.Input("x", []int{1}, codec.Float64, policy.Of("alice"))
			})
			b.OnDevice(secure, func() {
				sum := b.AddN(in)
				b.Broaden(sum, policy.Of("receiver"))
			})
			comp, err := b.Build()
			Expect(err).NotTo(HaveOccurred())
			Expect(comp.Nodes[0].Device).To(Equal("alice/0"))
			Expect(comp.Inputs()).To(HaveLen(1))
		})

		It("fails without a device in scope", func() {
			b := NewBuilder()
			b.Input("x", []int{1}, codec.Float64, policy.Unrestricted())
			_, err := b.Build()
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when combining values on a plain device", func() {
		It("rejects disjoint secrecy sets with a policy violation", func() {
			b := NewBuilder()
			var a, c Ref
			b.OnDevice(alice, func() {
				a = b.Input("a", []int{1}, codec.Float64, policy.Of("alice"))
			})
			b.OnDevice(bob, func() {
				c = b.Input("b", []int{1}, codec.Float64, policy.Of("bob"))
			})
			b.OnDevice(receiver, func() {
				b.AddN(a, c)
			})
			_, err := b.Build()
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(&PolicyViolation{}))
		})

		It("accepts identical secrecy sets", func() {
			b := NewBuilder()
			var a, c Ref
			b.OnDevice(alice, func() {
				a = b.Input("a", []int{1}, codec.Float64, policy.Of("alice", "receiver"))
				c = b.Input("b", []int{1}, codec.Float64, policy.Of("alice", "receiver"))
			})
			b.OnDevice(receiver, func() {
				sum := b.AddN(a, c)
				b.Output(sum, receiver)
			})
			_, err := b.Build()
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("when combining values on the secure unit", func() {
		It("permits mixed secrecy and produces an opaque value", func() {
			b := NewBuilder()
			var a, c Ref
			b.OnDevice(alice, func() {
				a = b.Input("a", []int{1}, codec.Float64, policy.Of("alice"))
			})
			b.OnDevice(bob, func() {
				c = b.Input("b", []int{1}, codec.Float64, policy.Of("bob"))
			})
			var sum Ref
			b.OnDevice(secure, func() {
				sum = b.AddN(a, c)
			})
			comp, err := b.Build()
			Expect(err).NotTo(HaveOccurred())
			Expect(comp.Nodes[sum].Value.Encrypted).To(BeTrue())
			Expect(comp.Nodes[sum].Value.Secrecy.IsBottom()).To(BeTrue())
		})

		It("refuses to reveal an aggregate that was never broadened", func() {
			b := NewBuilder()
			var a Ref
			b.OnDevice(alice, func() {
				a = b.Input("a", []int{1}, codec.Float64, policy.Of("alice"))
			})
			var sum Ref
			b.OnDevice(secure, func() {
				sum = b.AddN(a)
			})
			b.Output(sum, receiver)
			_, err := b.Build()
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(&PolicyViolation{}))
		})
	})

	Context("when classifying", func() {
		It("permits restriction and rejects widening", func() {
			b := NewBuilder()
			b.OnDevice(alice, func() {
				in := b.Input("a", []int{1}, codec.Float64, policy.Of("alice", "bob"))
				b.Classify(in, policy.Of("alice"))
			})
			_, err := b.Build()
			Expect(err).NotTo(HaveOccurred())

			b = NewBuilder()
			b.OnDevice(alice, func() {
				in := b.Input("a", []int{1}, codec.Float64, policy.Of("alice"))
				b.Classify(in, policy.Of("alice", "bob"))
			})
			_, err = b.Build()
			Expect(err).To(BeAssignableToTypeOf(&PolicyViolation{}))
		})
	})

	Context("when popping an empty device stack", func() {
		It("fails the build", func() {
			b := NewBuilder()
			b.PopDevice()
			_, err := b.Build()
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Equality", func() {
	clients := []Device{NewDevice("alice/0", "alice"), NewDevice("bob/0", "bob")}
	receiver := NewDevice("receiver/0", "receiver")

	It("treats identically recorded computations as equal", func() {
		a, err := NewAggregation(AggregationSum, clients, receiver, []int{1})
		Expect(err).NotTo(HaveOccurred())
		b, err := NewAggregation(AggregationSum, clients, receiver, []int{1})
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Equal(b)).To(BeTrue())
	})

	It("distinguishes sum from mean", func() {
		a, _ := NewAggregation(AggregationSum, clients, receiver, []int{1})
		b, _ := NewAggregation(AggregationMean, clients, receiver, []int{1})
		Expect(a.Equal(b)).To(BeFalse())
	})
})

var _ = Describe("Bind", func() {
	var (
		clients    = []Device{NewDevice("alice/0", "alice"), NewDevice("bob/0", "bob")}
		receiver   = NewDevice("receiver/0", "receiver")
		aggregator = NewDevice("aggregator/0", "aggregator")
	)

	It("replaces the virtual secure unit with a concrete device", func() {
		abstract, err := NewAggregation(AggregationSum, clients, receiver, []int{1})
		Expect(err).NotTo(HaveOccurred())
		concrete, err := abstract.Bind("trusted", map[string]Device{
			SecureUnitDevice: aggregator,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(concrete.Devices[SecureUnitDevice].Virtual).To(BeFalse())
		Expect(concrete.Players()).To(ContainElements(
			PlayerName("alice"), PlayerName("bob"), PlayerName("aggregator"), PlayerName("receiver")))
	})

	It("fails when a virtual device is left unbound", func() {
		abstract, _ := NewAggregation(AggregationSum, clients, receiver, []int{1})
		_, err := abstract.Bind("trusted", nil)
		Expect(err).To(BeAssignableToTypeOf(&UnsatisfiableSecrecy{}))
	})

	It("fails when a plaintext would land on a device outside its secrecy set", func() {
		abstract, _ := NewAggregation(AggregationSum, clients, receiver, []int{1})
		// Rebind alice's device to a player outside the input's secrecy set.
		_, err := abstract.Bind("trusted", map[string]Device{
			SecureUnitDevice: aggregator,
			"alice/0":        NewDevice("alice/0", "mallory"),
		})
		Expect(err).To(BeAssignableToTypeOf(&UnsatisfiableSecrecy{}))
	})
})
