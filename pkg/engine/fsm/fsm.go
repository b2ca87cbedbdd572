// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package fsm implements the finite state machine driving an aggregation
// round through its lifecycle.
package fsm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Stopped is the terminal state every machine ends in.
	Stopped = "_Stopped"
	// StateTimeoutEvent is emitted internally when a state outlives the
	// configured timeout.
	StateTimeoutEvent = "_StateTimeout"
)

// NewFSM returns a machine in the given initial state.
func NewFSM(ctx context.Context, initState string, trn map[TransitionID]*Transition, cb map[string][]*Callback, timeout time.Duration, logger *zap.SugaredLogger) (*FSM, error) {
	var stateTimeoutCb *Callback
	beforeCallbacks := make(map[string][]*Callback)
	afterCallbacks := make(map[string][]*Callback)
	for state, callbacks := range cb {
		for _, c := range callbacks {
			switch c.Type {
			case CallbackWhenStateTimeout:
				stateTimeoutCb = c
			case CallbackBeforeEnter:
				beforeCallbacks[state] = append(beforeCallbacks[state], c)
			case CallbackAfterEnter:
				afterCallbacks[state] = append(afterCallbacks[state], c)
			default:
				return nil, errors.New("unsupported callback type")
			}
		}
	}
	if stateTimeoutCb == nil {
		stateTimeoutCb = &Callback{Action: func(interface{}) error { return nil }}
	}
	history := NewHistory()
	history.AddState(initState)
	return &FSM{
		afterCallbacks:       afterCallbacks,
		beforeCallbacks:      beforeCallbacks,
		transitions:          trn,
		current:              initState,
		history:              history,
		stateTimeoutCallback: stateTimeoutCb,
		timer:                time.NewTimer(timeout),
		timeout:              timeout,
		pingCh:               make(chan struct{}),
		doneCh:               make(chan struct{}, 1),
		logger:               logger,
		ctx:                  ctx,
	}, nil
}

// FSM is a finite state machine with a FIFO event queue. Before and after
// callbacks can be registered per state; all callbacks of a type run in
// registration order.
type FSM struct {
	afterCallbacks       map[string][]*Callback
	beforeCallbacks      map[string][]*Callback
	transitions          map[TransitionID]*Transition
	stateTimeoutCallback *Callback
	current              string
	history              *History
	pingCh               chan struct{}
	doneCh               chan struct{}
	timer                *time.Timer
	timeout              time.Duration
	queue                []*Event
	logger               *zap.SugaredLogger
	mux                  sync.Mutex
	ctx                  context.Context
}

// Write appends an event to the queue and notifies the processor.
func (f *FSM) Write(event *Event) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.queue = append(f.queue, event)
	go func() {
		f.pingCh <- struct{}{}
	}()
}

// History returns the state transition history.
func (f *FSM) History() *History {
	return f.history
}

// Current returns the current state.
func (f *FSM) Current() string {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.current
}

// Run consumes events until an error occurs, the context is cancelled or the
// machine is stopped. The error is caused either by an unregistered event or
// by a callback. Blocking; must be started exactly once.
func (f *FSM) Run(errChan chan error) {
	for {
		select {
		case <-f.pingCh:
			if err := f.process(); err != nil {
				f.current = Stopped
				errChan <- err
				return
			}
		case <-f.timer.C:
			f.stateTimeoutCallback.Action(&Event{Name: StateTimeoutEvent, Meta: &Metadata{FSM: f}})
		case <-f.ctx.Done():
			f.current = Stopped
			f.timer.Stop()
			return
		case <-f.doneCh:
			f.current = Stopped
			f.timer.Stop()
			return
		}
	}
}

// Stop terminates the machine. No state transition is possible afterwards.
// Must be called at most once.
func (f *FSM) Stop() {
	f.doneCh <- struct{}{}
}

// process pops one event, records it and executes the matching transition.
// A transition registered for the specific source state supersedes one
// registered for any state "*".
func (f *FSM) process() error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if len(f.queue) < 1 {
		return errors.New("the number of events is out of sync with received pings")
	}
	event := f.queue[0]
	f.queue = f.queue[1:]
	f.history.AddEvent(event)
	tr, ok := f.transitions[TransitionID{Source: f.current, Event: event.Name}]
	if !ok {
		tr, ok = f.transitions[TransitionID{Source: "*", Event: event.Name}]
		if !ok {
			return errors.New("unregistered event received")
		}
	}
	return f.doTransition(tr, event)
}

func (f *FSM) doTransition(tr *Transition, event *Event) error {
	f.logger.Debugf("FSM transition %s -(%s)-> %s", tr.Src, tr.Event, tr.Dst)
	if err := f.runCallbacks(f.beforeCallbacks, tr.Dst, event); err != nil {
		return err
	}
	f.current = tr.Dst
	f.history.AddState(f.current)
	// Reset the state timeout; see time.Timer.Reset for why the drain is needed.
	if !f.timer.Stop() && len(f.timer.C) > 0 {
		<-f.timer.C
	}
	f.timer.Reset(f.timeout)
	return f.runCallbacks(f.afterCallbacks, f.current, event)
}

func (f *FSM) runCallbacks(callbacks map[string][]*Callback, state string, event *Event) error {
	for _, cb := range callbacks[state] {
		if err := cb.Action(event); err != nil {
			return err
		}
	}
	return nil
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// History contains all received events and passed states including the
// current one.
type History struct {
	received  []*Event
	states    []string
	eventLock sync.Mutex
	stateLock sync.Mutex
}

// AddEvent writes a new event to the history.
func (h *History) AddEvent(ev *Event) {
	h.eventLock.Lock()
	defer h.eventLock.Unlock()
	h.received = append(h.received, ev)
}

// GetEvents returns all recorded events.
func (h *History) GetEvents() []*Event {
	h.eventLock.Lock()
	defer h.eventLock.Unlock()
	return h.received
}

// AddState saves a state to the history.
func (h *History) AddState(st string) {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	h.states = append(h.states, st)
}

// GetStates returns the passed states including the current one.
func (h *History) GetStates() []string {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	return h.states
}

// Event is an event consumed by the machine.
type Event struct {
	Name    string
	RoundID string
	Meta    *Metadata
}

// Metadata carries auxiliary event data.
type Metadata struct {
	FSM *FSM
	Err error
}

// TransitionID is the tuple of triggering event and source state.
type TransitionID struct {
	Event, Source string
}

// Transition defines a transition between states.
type Transition struct {
	ID              TransitionID
	Event, Src, Dst string
}

// WhenIn specifies the source state of the transition.
func WhenIn(state string) *Transition {
	return &Transition{Src: state}
}

// WhenInAnyState targets transitions from all states.
func WhenInAnyState() *Transition {
	return &Transition{Src: "*"}
}

// GotEvent specifies the triggering event.
func (i *Transition) GotEvent(event string) *Transition {
	i.Event = event
	i.ID = TransitionID{Event: event, Source: i.Src}
	return i
}

// GoTo specifies the destination state.
func (i *Transition) GoTo(dst string) *Transition {
	i.Dst = dst
	return i
}

// Stay keeps the machine in its source state.
func (i *Transition) Stay() *Transition {
	i.Dst = i.Src
	return i
}

// Action is a user defined function executed in a callback.
type Action func(interface{}) error

const (
	// CallbackAfterEnter triggers right after a new state was entered.
	CallbackAfterEnter = "AfterEnter"
	// CallbackBeforeEnter triggers right before a new state is entered.
	CallbackBeforeEnter = "BeforeEnter"
	// CallbackWhenStateTimeout triggers when the state timeout is reached.
	CallbackWhenStateTimeout = "WhenStateTimeout"
)

// Callback is executed in response to an event during a state transition.
type Callback struct {
	Type   string
	Src    string
	Action Action
}

// AfterEnter binds a callback to run after entering the state.
func AfterEnter(state string) *Callback {
	return &Callback{Type: CallbackAfterEnter, Src: state}
}

// BeforeEnter binds a callback to run before entering the state.
func BeforeEnter(state string) *Callback {
	return &Callback{Type: CallbackBeforeEnter, Src: state}
}

// WhenStateTimeout binds a callback to the state timeout.
func WhenStateTimeout() *Callback {
	return &Callback{Type: CallbackWhenStateTimeout}
}

// Do sets the function executed by the callback.
func (c *Callback) Do(a Action) *Callback {
	c.Action = a
	return c
}

// InitCallbacksAndTransitions converts slices to the lookup maps NewFSM
// consumes.
func InitCallbacksAndTransitions(cbs []*Callback, trs []*Transition) (map[string][]*Callback, map[TransitionID]*Transition) {
	callbacks := map[string][]*Callback{}
	transitions := map[TransitionID]*Transition{}
	for _, c := range cbs {
		callbacks[c.Src] = append(callbacks[c.Src], c)
	}
	for _, t := range trs {
		transitions[t.ID] = t
	}
	return callbacks, transitions
}
