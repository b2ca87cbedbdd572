// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"context"
	"fmt"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/graph"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"github.com/google/uuid"
)

// ValueRef names a value produced or consumed by plan actions.
type ValueRef string

// RefOf returns the canonical reference of a graph node's result.
func RefOf(id graph.Ref) ValueRef {
	return ValueRef(fmt.Sprintf("v%d", id))
}

// InputRef returns the reference under which a named client contribution is
// seeded into the plan.
func InputRef(name string) ValueRef {
	return ValueRef("input/" + name)
}

// LocalFunc is the local computation of one step. It runs entirely on one
// player once its inputs have arrived; the player argument scopes which
// session material the function may obtain.
type LocalFunc func(ctx context.Context, s *Session, player PlayerName, inputs []codec.Tensor) ([]codec.Tensor, error)

// Action is a single entry of an execution plan: either a local Step or an
// explicit Route moving a value between players.
type Action interface {
	Performers() []PlayerName
	// Requires and Produces expose the action's data dependencies, used to
	// schedule independent actions concurrently.
	Requires() []ValueRef
	Produces() []ValueRef
}

// Step executes a local computation on one player. Cross-player data movement
// never happens inside a step.
type Step struct {
	Player  PlayerName
	Name    string
	Inputs  []ValueRef
	Outputs []ValueRef
	Run     LocalFunc
}

// Performers returns the single executing player.
func (s *Step) Performers() []PlayerName {
	return []PlayerName{s.Player}
}

// Requires returns the step's input references.
func (s *Step) Requires() []ValueRef {
	return s.Inputs
}

// Produces returns the step's output references.
func (s *Step) Produces() []ValueRef {
	return s.Outputs
}

// Route moves one value from one player to another over the channel layer.
type Route struct {
	From     PlayerName
	To       PlayerName
	Ref      ValueRef
	Strategy channel.Strategy
}

// Performers returns both endpoints of the route.
func (r *Route) Performers() []PlayerName {
	return []PlayerName{r.From, r.To}
}

// Requires returns the routed reference at the sender.
func (r *Route) Requires() []ValueRef {
	return []ValueRef{r.Ref}
}

// Produces returns the routed reference at the recipient. The reference name
// is unchanged; location is tracked by the engine, not the plan.
func (r *Route) Produces() []ValueRef {
	return []ValueRef{r.Ref}
}

// Seed names a client contribution the engine must place at a player before
// the plan starts.
type Seed struct {
	Ref    ValueRef
	Player PlayerName
}

// Plan is a flat ordered list of actions with no remaining abstract
// operations. Topological order of the source graph is preserved; mutually
// independent actions may run concurrently.
type Plan struct {
	ID       uuid.UUID
	Protocol string
	Inputs   []Seed
	Actions  []Action
	Output   ValueRef
	Receiver PlayerName
	// Channels are the pairwise channels the protocol requires. The engine
	// verifies them against the transport before the first action runs.
	Channels []channel.Spec
}

// Players returns every player the plan references.
func (p *Plan) Players() []PlayerName {
	seen := map[PlayerName]struct{}{}
	var out []PlayerName
	for _, a := range p.Actions {
		for _, pl := range a.Performers() {
			if _, ok := seen[pl]; !ok {
				seen[pl] = struct{}{}
				out = append(out, pl)
			}
		}
	}
	return out
}
