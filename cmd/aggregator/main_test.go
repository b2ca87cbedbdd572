// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package main

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/url"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"

	"github.com/tf-encrypted/aggregator/pkg/attestation"
	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	. "github.com/tf-encrypted/aggregator/pkg/types"
)

var _ = Describe("Main", func() {

	var logger = zap.NewNop().Sugar()

	Context("when parsing the config", func() {

		var path string

		BeforeEach(func() {
			rand.Seed(time.Now().UnixNano())
			path = fmt.Sprintf("/tmp/test-%d.json", rand.Int63())
		})
		AfterEach(func() {
			os.Remove(path)
		})

		write := func(data string) {
			err := ioutil.WriteFile(path, []byte(data), 0644)
			Expect(err).NotTo(HaveOccurred())
		}

		Context("all required parameters are specified", func() {
			It("succeeds and builds the service clients", func() {
				write(`{"protocol": "paillier", "keyBits": 1024, "stateTimeout": "1s",
	"computationTimeout": "3s", "routingTimeout": "2s",
	"players": [{"name": "alice", "role": "client"}],
	"receiverConfig": {"host": "receiver.example.com", "scheme": "https", "path": ""},
	"attestationConfig": {"host": "attestation.example.com", "scheme": "https", "measurement": "a1b2c3"}}`)
				conf, err := ParseConfig(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(conf.Protocol).To(Equal("paillier"))
				Expect(conf.KeyBits).To(Equal(1024))
				Expect(conf.StateTimeout).To(Equal(time.Second))
				Expect(conf.ComputationTimeout).To(Equal(3 * time.Second))
				Expect(conf.RoutingTimeout).To(Equal(2 * time.Second))
				Expect(conf.ReceiverClient).NotTo(BeNil())
				Expect(conf.AttestationClient).NotTo(BeNil())
				Expect(conf.Measurement).To(Equal("a1b2c3"))
			})
			It("leaves the service clients unset when their hosts are not configured", func() {
				write(`{"protocol": "trusted", "players": [{"name": "alice", "role": "client"}]}`)
				conf, err := ParseConfig(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(conf.ReceiverClient).To(BeNil())
				Expect(conf.AttestationClient).To(BeNil())
			})
		})

		Context("parameters are invalid", func() {
			It("returns an error on an invalid state timeout format", func() {
				write(`{"protocol": "trusted", "stateTimeout": "1", "players": [{"name": "alice", "role": "client"}]}`)
				conf, err := ParseConfig(path)
				Expect(conf).To(BeNil())
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("invalid state timeout format"))
			})
			It("returns an error on an invalid computation timeout format", func() {
				write(`{"protocol": "trusted", "computationTimeout": "3", "players": [{"name": "alice", "role": "client"}]}`)
				_, err := ParseConfig(path)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("invalid computation timeout format"))
			})
			It("returns an error on an invalid routing timeout format", func() {
				write(`{"protocol": "trusted", "routingTimeout": "2", "players": [{"name": "alice", "role": "client"}]}`)
				_, err := ParseConfig(path)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("invalid routing timeout format"))
			})
		})

		Context("one of the required parameters is missing", func() {
			It("returns an error when the protocol is missing", func() {
				write(`{"players": [{"name": "alice", "role": "client"}]}`)
				_, err := ParseConfig(path)
				Expect(err).To(HaveOccurred())
			})
			It("returns an error when no players are defined", func() {
				write(`{"protocol": "trusted"}`)
				_, err := ParseConfig(path)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Context("when port|busSize|keyBits|timeouts are not defined", func() {
		It("sets the default values", func() {
			conf := &AggregatorConfig{}
			SetDefaults(conf)
			Expect(conf.Port).To(Equal(DefaultPort))
			Expect(conf.BusSize).To(Equal(DefaultBusSize))
			Expect(conf.KeyBits).To(Equal(protocol.DefaultPaillierKeyBits))
			Expect(conf.StateTimeout).To(Equal(DefaultStateTimeout))
			Expect(conf.ComputationTimeout).To(Equal(DefaultComputationTimeout))
			Expect(conf.RoutingTimeout).To(Equal(DefaultRoutingTimeout))
		})
	})

	Context("when splitting the players by role", func() {
		It("groups the population", func() {
			roles, err := SplitRoles([]Player{
				{Name: "alice", Role: RoleClient},
				{Name: "bob", Role: RoleClient},
				{Name: "aggregator", Role: RoleAggregator},
				{Name: "keyholder", Role: RoleKeyHolder},
				{Name: "receiver", Role: RoleReceiver},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(roles.Clients).To(Equal([]PlayerName{"alice", "bob"}))
			Expect(roles.Aggregator).To(Equal(PlayerName("aggregator")))
			Expect(roles.KeyHolder).To(Equal(PlayerName("keyholder")))
			Expect(roles.Receiver).To(Equal(PlayerName("receiver")))
		})
		It("returns an error on duplicate singleton roles", func() {
			_, err := SplitRoles([]Player{
				{Name: "alice", Role: RoleClient},
				{Name: "a1", Role: RoleAggregator},
				{Name: "a2", Role: RoleAggregator},
				{Name: "receiver", Role: RoleReceiver},
			})
			Expect(err).To(HaveOccurred())
		})
		It("returns an error on an unknown role", func() {
			_, err := SplitRoles([]Player{{Name: "alice", Role: "observer"}})
			Expect(err).To(HaveOccurred())
		})
		It("returns an error when a mandatory role is missing", func() {
			_, err := SplitRoles([]Player{
				{Name: "alice", Role: RoleClient},
				{Name: "receiver", Role: RoleReceiver},
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when collecting player addresses", func() {
		It("keeps only players configured with an endpoint", func() {
			addresses := PlayerAddresses([]Player{
				{Name: "alice", Role: RoleClient, Address: "alice.example.com:30000"},
				{Name: "bob", Role: RoleClient},
			})
			Expect(addresses).To(HaveLen(1))
			Expect(addresses[PlayerName("alice")]).To(Equal("alice.example.com:30000"))
		})
	})

	Context("when choosing the channel checker", func() {
		It("probes over TCP only when an address is configured", func() {
			conf := &AggregatorTypedConfig{
				RoutingTimeout: time.Second,
				Players:        []Player{{Name: "alice", Role: RoleClient}},
			}
			Expect(NewChannelChecker(conf, logger)).To(BeAssignableToTypeOf(&channel.NoopChecker{}))

			conf.Players[0].Address = "alice.example.com:30000"
			Expect(NewChannelChecker(conf, logger)).To(BeAssignableToTypeOf(&channel.TCPChecker{}))
		})
	})

	Context("when building the protocol registry", func() {
		It("registers the enclave protocol only with an attestation client", func() {
			conf := &AggregatorTypedConfig{}
			registry, err := NewProtocolRegistry(conf, logger)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Get(protocol.TrustedName)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Get(protocol.EnclaveName)
			Expect(err).To(HaveOccurred())

			client, err := attestation.NewClient(url.URL{Host: "attestation.example.com", Scheme: "https"})
			Expect(err).NotTo(HaveOccurred())
			conf.AttestationClient = client
			registry, err = NewProtocolRegistry(conf, logger)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Get(protocol.EnclaveName)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("when assembling the orchestrator", func() {
		It("wires the configured population", func() {
			conf := &AggregatorTypedConfig{
				Protocol: protocol.TrustedName,
				BusSize:  100,
				Players: []Player{
					{Name: "alice", Role: RoleClient},
					{Name: "bob", Role: RoleClient},
					{Name: "aggregator", Role: RoleAggregator},
					{Name: "receiver", Role: RoleReceiver},
				},
				StateTimeout:   time.Second,
				RoutingTimeout: time.Second,
			}
			registry, err := NewProtocolRegistry(conf, logger)
			Expect(err).NotTo(HaveOccurred())
			orchestrator, err := NewRoundOrchestrator(conf, registry, mb.New(conf.BusSize), logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(orchestrator).NotTo(BeNil())
		})
	})
})
