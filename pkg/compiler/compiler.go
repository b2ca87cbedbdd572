// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package compiler derives flat per-player execution plans from concrete
// computations.
package compiler

import (
	"fmt"
	"strings"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewCompiler returns a compiler resolving protocols from the given registry.
func NewCompiler(registry *protocol.Registry, logger *zap.SugaredLogger) *Compiler {
	return &Compiler{registry: registry, logger: logger}
}

// Compiler walks a concrete computation in topological order, expands every
// node through its protocol's kernels and inserts an explicit routing step
// wherever an edge crosses a player boundary.
type Compiler struct {
	registry *protocol.Registry
	logger   *zap.SugaredLogger
}

// Compile produces the execution plan of a concrete computation under the
// given session and network strategy.
func (c *Compiler) Compile(comp *graph.ConcreteComputation, s *protocol.Session, strategy channel.Strategy) (*protocol.Plan, error) {
	proto, err := c.registry.Get(comp.Protocol)
	if err != nil {
		return nil, err
	}
	if s.Protocol != comp.Protocol {
		return nil, &InvalidAggregation{
			Reason: fmt.Sprintf("session of protocol %s cannot drive a %s computation", s.Protocol, comp.Protocol),
		}
	}
	if len(comp.Inputs()) == 0 {
		return nil, &InvalidAggregation{Reason: "aggregation over an empty client set"}
	}
	out, ok := comp.Output()
	if !ok {
		return nil, &InvalidAggregation{Reason: "computation has no output node"}
	}
	receiver, ok := comp.DeviceOwner(out.Device)
	if !ok {
		return nil, &InvalidAggregation{Reason: fmt.Sprintf("output device %s is unbound", out.Device)}
	}

	channels := proto.ChannelRequirements(s.Players)
	w := &walker{
		strategy:  strategy,
		declared:  declaredStrategies(channels),
		locations: map[protocol.ValueRef][]PlayerName{},
	}
	for _, node := range comp.Nodes {
		kernel, err := proto.KernelFor(node.Op)
		if err != nil {
			return nil, err
		}
		expanded, err := kernel(node, comp, s)
		if err != nil {
			return nil, err
		}
		for _, a := range expanded {
			if err := w.place(a); err != nil {
				return nil, err
			}
		}
	}

	plan := &protocol.Plan{
		ID:       uuid.New(),
		Protocol: comp.Protocol,
		Inputs:   w.seeds,
		Actions:  w.actions,
		Output:   protocol.RefOf(out.ID),
		Receiver: receiver,
		Channels: channels,
	}
	if err := checkCompleteness(plan, comp, s); err != nil {
		return nil, err
	}
	c.logger.Debugw("Compiled plan", RoundID, plan.ID, ProtocolKey, plan.Protocol,
		"actions", len(plan.Actions), "players", len(plan.Players()))
	return plan, nil
}

// declaredStrategies indexes a protocol's channel requirements by endpoint
// pair for the route strategy lookup.
func declaredStrategies(specs []channel.Spec) map[PlayerName]map[PlayerName]channel.Strategy {
	declared := map[PlayerName]map[PlayerName]channel.Strategy{}
	for _, spec := range specs {
		if declared[spec.From] == nil {
			declared[spec.From] = map[PlayerName]channel.Strategy{}
		}
		declared[spec.From][spec.To] = spec.Strategy
	}
	return declared
}

// walker accumulates plan actions and tracks which players hold a copy of
// each value, inserting routes on demand.
type walker struct {
	strategy  channel.Strategy
	declared  map[PlayerName]map[PlayerName]channel.Strategy
	actions   []protocol.Action
	seeds     []protocol.Seed
	locations map[protocol.ValueRef][]PlayerName
}

// routeStrategy resolves a route's strategy: the protocol's declared channel
// wins over the network default.
func (w *walker) routeStrategy(from, to PlayerName) channel.Strategy {
	if s, ok := w.declared[from][to]; ok {
		return s
	}
	return w.strategy
}

func (w *walker) place(a protocol.Action) error {
	step, ok := a.(*protocol.Step)
	if !ok {
		w.actions = append(w.actions, a)
		return nil
	}
	for _, ref := range step.Inputs {
		if strings.HasPrefix(string(ref), "input/") && len(w.locations[ref]) == 0 {
			// Client contributions are seeded by the engine at the
			// contributing player before the plan starts.
			w.seeds = append(w.seeds, protocol.Seed{Ref: ref, Player: step.Player})
			w.locations[ref] = []PlayerName{step.Player}
			continue
		}
		if w.heldBy(ref, step.Player) {
			continue
		}
		holders := w.locations[ref]
		if len(holders) == 0 {
			return fmt.Errorf("step %s consumes %s before any step produces it", step.Name, ref)
		}
		w.actions = append(w.actions, &protocol.Route{
			From:     holders[0],
			To:       step.Player,
			Ref:      ref,
			Strategy: w.routeStrategy(holders[0], step.Player),
		})
		w.locations[ref] = append(holders, step.Player)
	}
	w.actions = append(w.actions, step)
	for _, ref := range step.Outputs {
		w.locations[ref] = append(w.locations[ref], step.Player)
	}
	return nil
}

func (w *walker) heldBy(ref protocol.ValueRef, p PlayerName) bool {
	for _, holder := range w.locations[ref] {
		if holder == p {
			return true
		}
	}
	return false
}

// checkCompleteness verifies the plan references only players known to the
// computation's binding or to the session's role assignment.
func checkCompleteness(plan *protocol.Plan, comp *graph.ConcreteComputation, s *protocol.Session) error {
	allowed := map[PlayerName]struct{}{}
	for _, p := range comp.Players() {
		allowed[p] = struct{}{}
	}
	for _, p := range s.Players.All() {
		allowed[p] = struct{}{}
	}
	for _, p := range plan.Players() {
		if _, ok := allowed[p]; !ok {
			return fmt.Errorf("plan references player %s absent from the computation binding and session roles", p)
		}
	}
	return nil
}
