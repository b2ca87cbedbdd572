// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/compiler"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// OrchestratorConf describes the fixed population and protocol an
// orchestrator runs rounds for.
type OrchestratorConf struct {
	Registry       *protocol.Registry
	Protocol       string
	Clients        []PlayerName
	Aggregator     PlayerName
	KeyHolder      PlayerName
	Receiver       PlayerName
	Strategy       channel.Strategy
	RoutingTimeout time.Duration
	StateTimeout   time.Duration
	KeyBits        int
	// Addresses maps players to their host:port endpoints for the
	// direct-channel reachability probe. Players without an address are
	// reachable through the bulletin board only.
	Addresses map[PlayerName]string
	Checker   channel.Checker
	Bus       mb.MessageBus
	Logger    *zap.SugaredLogger
}

// NewOrchestrator wires the full round pipeline: bulletin board, network,
// compiler and engine for a fixed player population.
func NewOrchestrator(conf *OrchestratorConf) (*Orchestrator, error) {
	proto, err := conf.Registry.Get(conf.Protocol)
	if err != nil {
		return nil, err
	}
	players := protocol.RoundPlayers{
		Clients:    conf.Clients,
		Aggregator: conf.Aggregator,
		KeyHolder:  conf.KeyHolder,
		Receiver:   conf.Receiver,
	}
	board := channel.NewBulletinBoard(conf.Bus, conf.Logger)
	network, err := channel.NewNetwork(&channel.NetworkConf{
		Players:        players.All(),
		Strategy:       conf.Strategy,
		RoutingTimeout: conf.RoutingTimeout,
		Board:          board,
		Addresses:      conf.Addresses,
		Checker:        conf.Checker,
		Logger:         conf.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		proto:    proto,
		players:  players,
		strategy: conf.Strategy,
		keyBits:  conf.KeyBits,
		compiler: compiler.NewCompiler(conf.Registry, conf.Logger),
		engine: NewEngine(&EngineConf{
			Transport:    network,
			Bus:          conf.Bus,
			StateTimeout: conf.StateTimeout,
			Logger:       conf.Logger,
		}),
		logger: conf.Logger,
	}, nil
}

// Orchestrator runs complete aggregation rounds for a fixed client
// population, one session per round.
type Orchestrator struct {
	proto    protocol.Protocol
	players  protocol.RoundPlayers
	strategy channel.Strategy
	keyBits  int
	compiler *compiler.Compiler
	engine   *Engine
	round    uint64
	logger   *zap.SugaredLogger
}

// RunAggregation executes one full round over the given contributions, in
// client order, and returns the revealed result.
func (o *Orchestrator) RunAggregation(ctx context.Context, kind AggregationKind, contributions []codec.Tensor) (codec.Tensor, error) {
	if len(contributions) == 0 {
		return codec.Tensor{}, &InvalidAggregation{Reason: "aggregation over an empty client set"}
	}
	if len(contributions) != len(o.players.Clients) {
		return codec.Tensor{}, &InvalidAggregation{
			Reason: fmt.Sprintf("%d contributions for %d clients", len(contributions), len(o.players.Clients)),
		}
	}
	shape := contributions[0].Shape
	for _, t := range contributions[1:] {
		if !t.SameShape(contributions[0]) {
			return codec.Tensor{}, &InvalidAggregation{Reason: "contributions must share one shape"}
		}
	}

	devices := make([]Device, len(o.players.Clients))
	for i, c := range o.players.Clients {
		devices[i] = NewDevice(string(c)+"/0", c)
	}
	abstract, err := graph.NewAggregation(kind, devices, NewDevice(string(o.players.Receiver)+"/0", o.players.Receiver), shape)
	if err != nil {
		return codec.Tensor{}, err
	}
	comp, err := abstract.Bind(o.proto.Name(), map[string]Device{
		graph.SecureUnitDevice: NewDevice(string(o.players.Aggregator)+"/0", o.players.Aggregator),
	})
	if err != nil {
		return codec.Tensor{}, err
	}

	session, err := o.proto.NewSession(ctx, &protocol.SessionConf{
		Players: o.players,
		Round:   atomic.AddUint64(&o.round, 1),
		KeyBits: o.keyBits,
	})
	if err != nil {
		return codec.Tensor{}, err
	}
	plan, err := o.compiler.Compile(comp, session, o.strategy)
	if err != nil {
		return codec.Tensor{}, err
	}

	inputs := map[protocol.ValueRef]codec.Tensor{}
	for i, t := range contributions {
		inputs[protocol.InputRef(fmt.Sprintf("x%d", i))] = t
	}
	return o.engine.Run(ctx, plan, session, NewExecutorMap(plan.Players()), inputs)
}
