// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/compiler"
	"github.com/tf-encrypted/aggregator/pkg/engine/fsm"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

var logger = zap.NewNop().Sugar()

// testRound wires a full round: registry, session, compiled plan, in-process
// network and engine.
type testRound struct {
	plan    *protocol.Plan
	session *protocol.Session
	engine  *Engine
	board   *channel.BulletinBoard
	bus     mb.MessageBus
	players []PlayerName
}

// staticVerifier attests every enclave to one fixed measurement.
type staticVerifier struct {
	measurement string
}

func (v *staticVerifier) Verify(ctx context.Context, enclave PlayerName) (string, error) {
	return v.measurement, nil
}

func newTestRound(protoName string, kind AggregationKind, clients []PlayerName, shape []int) *testRound {
	registry := protocol.NewRegistry()
	Expect(registry.Register(protocol.NewTrustedProtocol(logger))).To(Succeed())
	Expect(registry.Register(protocol.NewPaillierProtocol(logger))).To(Succeed())
	Expect(registry.Register(protocol.NewPRGProtocol(logger))).To(Succeed())
	Expect(registry.Register(protocol.NewEnclaveProtocol(&staticVerifier{measurement: "m0"}, logger))).To(Succeed())

	devices := make([]Device, len(clients))
	for i, c := range clients {
		devices[i] = NewDevice(string(c)+"/0", c)
	}
	abstract, err := graph.NewAggregation(kind, devices, NewDevice("receiver/0", "receiver"), shape)
	Expect(err).NotTo(HaveOccurred())
	comp, err := abstract.Bind(protoName, map[string]Device{
		graph.SecureUnitDevice: NewDevice("aggregator/0", "aggregator"),
	})
	Expect(err).NotTo(HaveOccurred())

	proto, err := registry.Get(protoName)
	Expect(err).NotTo(HaveOccurred())
	session, err := proto.NewSession(context.TODO(), &protocol.SessionConf{
		Players: protocol.RoundPlayers{
			Clients:    clients,
			Aggregator: "aggregator",
			KeyHolder:  "keyholder",
			Receiver:   "receiver",
		},
		Round:   1,
		KeyBits: 512,
	})
	Expect(err).NotTo(HaveOccurred())

	plan, err := compiler.NewCompiler(registry, logger).Compile(comp, session, channel.StrategyBulletinBoard)
	Expect(err).NotTo(HaveOccurred())

	bus := mb.New(10000)
	board := channel.NewBulletinBoard(bus, logger)
	network, err := channel.NewNetwork(&channel.NetworkConf{
		Players:        plan.Players(),
		Strategy:       channel.StrategyBulletinBoard,
		RoutingTimeout: 5 * time.Second,
		Board:          board,
		Logger:         logger,
	})
	Expect(err).NotTo(HaveOccurred())

	return &testRound{
		plan:    plan,
		session: session,
		engine: NewEngine(&EngineConf{
			Transport:    network,
			Bus:          bus,
			StateTimeout: time.Minute,
			Logger:       logger,
		}),
		board:   board,
		bus:     bus,
		players: plan.Players(),
	}
}

func contributions(vs ...float64) map[protocol.ValueRef]codec.Tensor {
	out := map[protocol.ValueRef]codec.Tensor{}
	for i, v := range vs {
		out[protocol.InputRef(fmt.Sprintf("x%d", i))] = codec.NewScalar(v)
	}
	return out
}

// failingExecutor aborts every step it is asked to run.
type failingExecutor struct {
}

func (f *failingExecutor) Execute(ctx context.Context, step *protocol.Step, s *protocol.Session, inputs []codec.Tensor) ([]codec.Tensor, error) {
	return nil, errors.New("local executor crashed")
}

var _ = Describe("Engine", func() {
	Context("running a trusted aggregation", func() {
		It("delivers the sum of three contributions to the receiver", func() {
			r := newTestRound(protocol.TrustedName, AggregationSum, []PlayerName{"alice", "bob", "carol"}, []int{})
			result, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0, 2.0, 3.0))
			Expect(err).NotTo(HaveOccurred())
			out, err := result.Scalar()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(6.0))
		})

		It("delivers the mean of three contributions to the receiver", func() {
			r := newTestRound(protocol.TrustedName, AggregationMean, []PlayerName{"alice", "bob", "carol"}, []int{})
			result, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0, 2.0, 3.0))
			Expect(err).NotTo(HaveOccurred())
			out, err := result.Scalar()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(2.0))
		})

		It("publishes the round lifecycle on the events topic", func() {
			r := newTestRound(protocol.TrustedName, AggregationSum, []PlayerName{"alice", "bob"}, []int{})
			var mux sync.Mutex
			var seen []string
			Expect(r.bus.Subscribe(RoundEventsTopic, func(e *fsm.Event) {
				mux.Lock()
				defer mux.Unlock()
				seen = append(seen, e.Name)
			})).To(Succeed())

			_, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0, 2.0))
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []string {
				mux.Lock()
				defer mux.Unlock()
				return append([]string{}, seen...)
			}).Should(ContainElements(RoundStarted, StepsScheduled, RoundFinishedWithSuccess))
		})
	})

	Context("running a paillier aggregation", func() {
		It("recovers the sum without the relay ever seeing plaintext", func() {
			r := newTestRound(protocol.PaillierName, AggregationSum, []PlayerName{"alice", "bob"}, []int{})
			result, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.5, 2.25))
			Expect(err).NotTo(HaveOccurred())
			out, err := result.Scalar()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeNumerically("~", 3.75, 1e-9))
			// Every envelope the relay observed is a sealed box.
			for _, env := range r.board.Observed() {
				Expect(env.Sealed).NotTo(BeEmpty())
			}
		})
	})

	Context("running a keyed-prg aggregation", func() {
		It("recovers the sum of four masked contributions", func() {
			r := newTestRound(protocol.PRGName, AggregationSum, []PlayerName{"alice", "bob", "carol", "dave"}, []int{})
			result, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0, 2.0, 3.0, 4.0))
			Expect(err).NotTo(HaveOccurred())
			out, err := result.Scalar()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeNumerically("~", 10.0, 1e-6))
		})
	})

	Context("running an enclave aggregation", func() {
		It("moves contributions over direct channels and only the result over the relay", func() {
			r := newTestRound(protocol.EnclaveName, AggregationSum, []PlayerName{"alice", "bob", "carol"}, []int{})
			result, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0, 2.0, 3.0))
			Expect(err).NotTo(HaveOccurred())
			out, err := result.Scalar()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(6.0))
			// The client contributions went in directly; the relay only saw
			// the sealed result on its way to the receiver.
			observed := r.board.Observed()
			Expect(observed).To(HaveLen(1))
			Expect(observed[0].To).To(Equal(PlayerName("receiver")))
		})
	})

	Context("prechecks", func() {
		It("rejects a plan referencing a player without an executor", func() {
			r := newTestRound(protocol.TrustedName, AggregationSum, []PlayerName{"alice", "bob"}, []int{})
			executors := NewExecutorMap(r.players)
			delete(executors, "aggregator")
			_, err := r.engine.Run(context.TODO(), r.plan, r.session, executors, contributions(1.0, 2.0))
			Expect(err).To(BeAssignableToTypeOf(&UnboundPlayer{}))
		})

		It("rejects a plan whose required channels the transport cannot serve", func() {
			r := newTestRound(protocol.TrustedName, AggregationSum, []PlayerName{"alice", "bob"}, []int{})
			// A network missing the receiver cannot serve the plan's
			// aggregator-to-receiver channel.
			bus := mb.New(10000)
			network, err := channel.NewNetwork(&channel.NetworkConf{
				Players:        []PlayerName{"alice", "bob", "aggregator"},
				Strategy:       channel.StrategyBulletinBoard,
				RoutingTimeout: 5 * time.Second,
				Board:          channel.NewBulletinBoard(bus, logger),
				Logger:         logger,
			})
			Expect(err).NotTo(HaveOccurred())
			engine := NewEngine(&EngineConf{
				Transport:    network,
				Bus:          bus,
				StateTimeout: time.Minute,
				Logger:       logger,
			})
			_, err = engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0, 2.0))
			Expect(err).To(BeAssignableToTypeOf(&ChannelError{}))
		})

		It("rejects a round missing a client contribution", func() {
			r := newTestRound(protocol.TrustedName, AggregationSum, []PlayerName{"alice", "bob"}, []int{})
			_, err := r.engine.Run(context.TODO(), r.plan, r.session, NewExecutorMap(r.players), contributions(1.0))
			Expect(err).To(BeAssignableToTypeOf(&InvalidAggregation{}))
		})
	})

	Context("orchestrating full rounds", func() {
		newOrchestrator := func(protoName string, clients ...PlayerName) *Orchestrator {
			registry := protocol.NewRegistry()
			Expect(registry.Register(protocol.NewTrustedProtocol(logger))).To(Succeed())
			Expect(registry.Register(protocol.NewPaillierProtocol(logger))).To(Succeed())
			o, err := NewOrchestrator(&OrchestratorConf{
				Registry:       registry,
				Protocol:       protoName,
				Clients:        clients,
				Aggregator:     "aggregator",
				KeyHolder:      "keyholder",
				Receiver:       "receiver",
				Strategy:       channel.StrategyBulletinBoard,
				RoutingTimeout: 5 * time.Second,
				StateTimeout:   time.Minute,
				KeyBits:        512,
				Bus:            mb.New(10000),
				Logger:         logger,
			})
			Expect(err).NotTo(HaveOccurred())
			return o
		}

		It("runs consecutive rounds over the same network", func() {
			o := newOrchestrator(protocol.TrustedName, "alice", "bob")
			sum, err := o.RunAggregation(context.TODO(), AggregationSum, []codec.Tensor{codec.NewScalar(1), codec.NewScalar(2)})
			Expect(err).NotTo(HaveOccurred())
			mean, err := o.RunAggregation(context.TODO(), AggregationMean, []codec.Tensor{codec.NewScalar(1), codec.NewScalar(2)})
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Floats[0]).To(Equal(3.0))
			Expect(mean.Floats[0]).To(Equal(1.5))
		})

		It("rejects mismatched contribution cardinality", func() {
			o := newOrchestrator(protocol.TrustedName, "alice", "bob")
			_, err := o.RunAggregation(context.TODO(), AggregationSum, []codec.Tensor{codec.NewScalar(1)})
			Expect(err).To(BeAssignableToTypeOf(&InvalidAggregation{}))
		})

		It("rejects an empty contribution set", func() {
			o := newOrchestrator(protocol.TrustedName, "alice", "bob")
			_, err := o.RunAggregation(context.TODO(), AggregationSum, nil)
			Expect(err).To(BeAssignableToTypeOf(&InvalidAggregation{}))
		})
	})

	Context("failure semantics", func() {
		It("aborts the whole round when a step fails and returns no partial result", func() {
			r := newTestRound(protocol.TrustedName, AggregationSum, []PlayerName{"alice", "bob"}, []int{})
			executors := NewExecutorMap(r.players)
			executors["aggregator"] = &failingExecutor{}
			_, err := r.engine.Run(context.TODO(), r.plan, r.session, executors, contributions(1.0, 2.0))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("local executor crashed"))
		})
	})
})
