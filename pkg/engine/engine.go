// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package engine executes compiled aggregation plans across players.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/engine/fsm"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EngineConf configures an execution engine.
type EngineConf struct {
	Transport    channel.Transport
	Bus          mb.MessageBus
	StateTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// NewEngine returns an engine moving values over the given transport and
// publishing round lifecycle events on the bus.
func NewEngine(conf *EngineConf) *Engine {
	return &Engine{
		transport:    conf.Transport,
		bus:          conf.Bus,
		stateTimeout: conf.StateTimeout,
		logger:       conf.Logger,
	}
}

// Engine runs execution plans. It holds no durable state across rounds
// beyond the session it is handed; execution is observable externally only
// through the channel layer.
type Engine struct {
	transport    channel.Transport
	bus          mb.MessageBus
	stateTimeout time.Duration
	logger       *zap.SugaredLogger
}

// Run executes a plan to completion and returns the plaintext result revealed
// at the output receiver. A failed step anywhere aborts the remaining plan;
// partial results are never returned.
func (e *Engine) Run(ctx context.Context, plan *protocol.Plan, s *protocol.Session, executors ExecutorMap, inputs map[protocol.ValueRef]codec.Tensor) (codec.Tensor, error) {
	for _, p := range plan.Players() {
		if _, ok := executors[p]; !ok {
			return codec.Tensor{}, &UnboundPlayer{Player: p}
		}
	}
	if err := e.transport.VerifyChannels(plan.Channels); err != nil {
		return codec.Tensor{}, err
	}

	round, err := e.newRound(ctx, plan)
	if err != nil {
		return codec.Tensor{}, err
	}
	defer round.stop()

	store := newValueStore()
	round.write(RoundStarted)
	for _, seed := range plan.Inputs {
		t, ok := inputs[seed.Ref]
		if !ok {
			round.fail()
			return codec.Tensor{}, &InvalidAggregation{Reason: fmt.Sprintf("no contribution supplied for %s", seed.Ref)}
		}
		store.put(seed.Player, seed.Ref, t)
	}

	round.write(StepsScheduled)
	if err := e.runStages(ctx, plan, s, executors, store); err != nil {
		round.fail()
		return codec.Tensor{}, err
	}

	result, ok := store.get(plan.Receiver, plan.Output)
	if !ok {
		round.fail()
		return codec.Tensor{}, fmt.Errorf("plan finished without delivering %s to %s", plan.Output, plan.Receiver)
	}
	round.write(RoundFinishedWithSuccess)
	e.logger.Infow("Round finished", RoundID, plan.ID, ProtocolKey, plan.Protocol)
	return result, nil
}

// runStages groups the plan's actions into dependency stages and executes
// each stage's actions concurrently with fail-fast cancellation.
func (e *Engine) runStages(ctx context.Context, plan *protocol.Plan, s *protocol.Session, executors ExecutorMap, store *valueStore) error {
	stages := staged(plan)
	for _, stage := range stages {
		g, gctx := errgroup.WithContext(ctx)
		for _, a := range stage {
			a := a
			g.Go(func() error {
				switch action := a.(type) {
				case *protocol.Step:
					return e.runStep(gctx, action, s, executors, store)
				case *protocol.Route:
					return e.runRoute(gctx, plan, action, store)
				default:
					return fmt.Errorf("plan contains an unknown action type %T", a)
				}
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, step *protocol.Step, s *protocol.Session, executors ExecutorMap, store *valueStore) error {
	inputs := make([]codec.Tensor, len(step.Inputs))
	for i, ref := range step.Inputs {
		t, ok := store.get(step.Player, ref)
		if !ok {
			return fmt.Errorf("step %s is missing input %s at player %s", step.Name, ref, step.Player)
		}
		inputs[i] = t
	}
	outs, err := executors[step.Player].Execute(ctx, step, s, inputs)
	if err != nil {
		return err
	}
	if len(outs) != len(step.Outputs) {
		return fmt.Errorf("step %s produced %d outputs, plan declares %d", step.Name, len(outs), len(step.Outputs))
	}
	for i, ref := range step.Outputs {
		store.put(step.Player, ref, outs[i])
	}
	return nil
}

func (e *Engine) runRoute(ctx context.Context, plan *protocol.Plan, route *protocol.Route, store *valueStore) error {
	t, ok := store.get(route.From, route.Ref)
	if !ok {
		return &ChannelError{From: route.From, To: route.To, Cause: fmt.Errorf("value %s is not held by the sender", route.Ref)}
	}
	tag := fmt.Sprintf("%s/%s", plan.ID, route.Ref)
	if err := e.transport.Send(ctx, route.From, route.To, tag, route.Strategy, t); err != nil {
		return err
	}
	received, err := e.transport.Receive(ctx, route.To, tag)
	if err != nil {
		return err
	}
	store.put(route.To, route.Ref, received)
	return nil
}

// staged assigns every action the earliest stage all its dependencies are
// available in. Actions within one stage are mutually independent.
func staged(plan *protocol.Plan) [][]protocol.Action {
	avail := map[PlayerName]map[protocol.ValueRef]int{}
	level := func(p PlayerName, ref protocol.ValueRef) (int, bool) {
		m, ok := avail[p]
		if !ok {
			return 0, false
		}
		l, ok := m[ref]
		return l, ok
	}
	set := func(p PlayerName, ref protocol.ValueRef, l int) {
		if avail[p] == nil {
			avail[p] = map[protocol.ValueRef]int{}
		}
		avail[p][ref] = l
	}
	for _, seed := range plan.Inputs {
		set(seed.Player, seed.Ref, 0)
	}

	byStage := map[int][]protocol.Action{}
	max := 0
	for _, a := range plan.Actions {
		stage := 1
		switch action := a.(type) {
		case *protocol.Step:
			for _, ref := range action.Inputs {
				if l, ok := level(action.Player, ref); ok && l+1 > stage {
					stage = l + 1
				}
			}
			for _, ref := range action.Outputs {
				set(action.Player, ref, stage)
			}
		case *protocol.Route:
			if l, ok := level(action.From, action.Ref); ok {
				stage = l + 1
			}
			set(action.To, action.Ref, stage)
		}
		byStage[stage] = append(byStage[stage], a)
		if stage > max {
			max = stage
		}
	}

	stages := make([][]protocol.Action, 0, max)
	for i := 1; i <= max; i++ {
		if len(byStage[i]) > 0 {
			stages = append(stages, byStage[i])
		}
	}
	return stages
}

// round couples one plan execution to its lifecycle state machine and the
// round events topic.
type round struct {
	id     string
	fsm    *fsm.FSM
	bus    mb.MessageBus
	errCh  chan error
	cancel context.CancelFunc
}

func (e *Engine) newRound(ctx context.Context, plan *protocol.Plan) (*round, error) {
	callbacks := []*fsm.Callback{
		fsm.WhenStateTimeout().Do(func(ev interface{}) error {
			e.bus.Publish(RoundEventsTopic, &fsm.Event{Name: StateTimeoutError, RoundID: plan.ID.String()})
			return nil
		}),
	}
	transitions := []*fsm.Transition{
		fsm.WhenIn(Init).GotEvent(RoundStarted).GoTo(Routing),
		fsm.WhenIn(Routing).GotEvent(StepsScheduled).GoTo(Executing),
		fsm.WhenIn(Executing).GotEvent(RoundFinishedWithSuccess).GoTo(RoundDone),
		fsm.WhenInAnyState().GotEvent(RoundFinishedWithError).GoTo(RoundDone),
	}
	cbs, trs := fsm.InitCallbacksAndTransitions(callbacks, transitions)
	fsmCtx, cancel := context.WithCancel(ctx)
	machine, err := fsm.NewFSM(fsmCtx, Init, trs, cbs, e.stateTimeout, e.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	r := &round{
		id:     plan.ID.String(),
		fsm:    machine,
		bus:    e.bus,
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go machine.Run(r.errCh)
	return r, nil
}

// write advances the state machine and mirrors the event on the round topic.
func (r *round) write(name string) {
	r.fsm.Write(&fsm.Event{Name: name, RoundID: r.id})
	r.bus.Publish(RoundEventsTopic, &fsm.Event{Name: name, RoundID: r.id})
}

func (r *round) fail() {
	r.write(RoundFinishedWithError)
}

func (r *round) stop() {
	r.cancel()
}

// valueStore tracks which tensors each player currently holds. Players never
// share entries; all cross-player movement goes through the transport.
type valueStore struct {
	mux    sync.Mutex
	values map[PlayerName]map[protocol.ValueRef]codec.Tensor
}

func newValueStore() *valueStore {
	return &valueStore{values: map[PlayerName]map[protocol.ValueRef]codec.Tensor{}}
}

func (s *valueStore) put(p PlayerName, ref protocol.ValueRef, t codec.Tensor) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.values[p] == nil {
		s.values[p] = map[protocol.ValueRef]codec.Tensor{}
	}
	s.values[p][ref] = t
}

func (s *valueStore) get(p PlayerName, ref protocol.ValueRef) (codec.Tensor, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, ok := s.values[p][ref]
	return t, ok
}
