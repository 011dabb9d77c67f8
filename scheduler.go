package p2pnet

// scheduler.go holds the Simulator, which layers a stop horizon and
// time.Duration based offsets over the evtm event manager, and the Ticker,
// an explicit repeating timer built on any Scheduler.

import (
	"context"
	"math"
	"time"

	"github.com/apex/log"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
)

// ErrNoStopTime is returned by Run when no stop horizon was configured.  A
// model holding self-rescheduling timers would otherwise never halt.
var ErrNoStopTime = errors.New("simulator has no stop time")

// ErrBadPeriod is returned when a repeating timer is given a non-positive period
var ErrBadPeriod = errors.New("repeating timer period must be positive")

// stopSlack absorbs the rounding between time.Duration and the float
// seconds the event manager reports, so that an event stamped exactly at
// the stop time is still dispatched.
const stopSlack = 500 * time.Nanosecond

// Scheduler is the narrow view of the simulation clock that timers, the
// delay ramp and receive accounting depend on.  Simulator implements it, and
// unit tests substitute their own.
type Scheduler interface {
	// Now is the current simulated time
	Now() time.Duration

	// After arranges for fn to be called d after the current simulated time
	After(d time.Duration, fn func())
}

// Simulator owns the event manager for one experiment
type Simulator struct {
	evtMgr     *evtm.EventManager
	stopAt     time.Duration
	stopSet    bool
	ctx        context.Context
	dispatched int
	dropped    int
}

// NewSimulator is a constructor
func NewSimulator() *Simulator {
	sim := new(Simulator)
	sim.evtMgr = evtm.New()
	return sim
}

// pendingEvt carries the caller's handler and context through the event
// manager so that dispatchEvt can apply the stop horizon first
type pendingEvt struct {
	sim     *Simulator
	context any
	handler evtm.EventHandlerFunction
}

// dispatchEvt is the only handler ever handed to the event manager
func dispatchEvt(evtMgr *evtm.EventManager, context any, data any) any {
	pe := context.(*pendingEvt)
	sim := pe.sim

	// nothing is dispatched past the horizon, whatever the event manager does with its limit
	if sim.stopSet && sim.Now() > sim.stopAt+stopSlack {
		sim.dropped += 1
		return nil
	}
	if sim.ctx != nil && sim.ctx.Err() != nil {
		sim.dropped += 1
		return nil
	}
	sim.dispatched += 1
	return pe.handler(evtMgr, pe.context, data)
}

// callFunc runs a func() carried as event data
func callFunc(evtMgr *evtm.EventManager, context any, data any) any {
	fn := data.(func())
	fn()
	return nil
}

// Schedule queues handler(context, data) to be called after the given
// offset from the current simulated time.  Negative offsets are treated as zero.
func (sim *Simulator) Schedule(context, data any, handler evtm.EventHandlerFunction, after time.Duration) {
	if after < 0 {
		after = 0
	}
	pe := &pendingEvt{sim: sim, context: context, handler: handler}
	sim.evtMgr.Schedule(pe, data, dispatchEvt, vrtime.SecondsToTime(after.Seconds()))
}

// After implements Scheduler
func (sim *Simulator) After(d time.Duration, fn func()) {
	sim.Schedule(nil, fn, callFunc, d)
}

// Now implements Scheduler
func (sim *Simulator) Now() time.Duration {
	return secondsToDuration(sim.evtMgr.CurrentSeconds())
}

// Stop sets the horizon.  Events stamped later than at are never dispatched.
func (sim *Simulator) Stop(at time.Duration) {
	sim.stopAt = at
	sim.stopSet = true
}

// SetContext ties the run to ctx.  Once ctx is done the remaining events
// are drained without being dispatched and Run reports ctx's error.
func (sim *Simulator) SetContext(ctx context.Context) {
	sim.ctx = ctx
}

// StopTime returns the horizon, and whether one has been set
func (sim *Simulator) StopTime() (time.Duration, bool) {
	return sim.stopAt, sim.stopSet
}

// Run dispatches events in time order until the horizon is passed or
// nothing is left to dispatch.
func (sim *Simulator) Run() error {
	if !sim.stopSet {
		return ErrNoStopTime
	}
	Logger.WithField("stop", sim.stopAt.Seconds()).Debug("simulation starts")
	sim.evtMgr.Run((sim.stopAt + stopSlack).Seconds())
	Logger.WithFields(log.Fields{"events": sim.dispatched, "dropped": sim.dropped}).Debug("simulation ends")
	if sim.ctx != nil && sim.ctx.Err() != nil {
		return errors.Wrap(sim.ctx.Err(), "simulation interrupted")
	}
	return nil
}

// Events reports the number of events dispatched so far
func (sim *Simulator) Events() int {
	return sim.dispatched
}

// secondsToDuration rounds float seconds to the nearest nanosecond
func secondsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// A Ticker calls its function once at a start offset and then once per
// period.  It stops when the function returns false, when its context is
// done, or when a maximum number of ticks has been reached; left without any
// of these it runs until the scheduler itself stops dispatching.
type Ticker struct {
	sched    Scheduler
	period   time.Duration
	fn       func(tick int) bool
	ctx      context.Context
	maxTicks int
	ticks    int
	started  bool
	stopped  bool
}

// TickerOption configures a Ticker
type TickerOption func(*Ticker)

// WithTickerContext ties the ticker to an externally owned cancellation token
func WithTickerContext(ctx context.Context) TickerOption {
	return func(t *Ticker) {
		t.ctx = ctx
	}
}

// WithMaxTicks bounds the number of calls.  Zero means no bound.
func WithMaxTicks(n int) TickerOption {
	return func(t *Ticker) {
		t.maxTicks = n
	}
}

// NewTicker is a constructor
func NewTicker(sched Scheduler, period time.Duration, fn func(tick int) bool, opts ...TickerOption) (*Ticker, error) {
	if period <= 0 {
		return nil, errors.Wrapf(ErrBadPeriod, "period %s", period)
	}
	t := &Ticker{sched: sched, period: period, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start schedules the first tick, at offset from now.  Calling Start on a
// ticker that has already been started does nothing.
func (t *Ticker) Start(at time.Duration) {
	if t.started {
		return
	}
	t.started = true
	t.sched.After(at, t.fire)
}

// Stop prevents any further ticks
func (t *Ticker) Stop() {
	t.stopped = true
}

// Ticks is the number of times the function has been called
func (t *Ticker) Ticks() int {
	return t.ticks
}

// Stopped tells whether the ticker has reached a terminal state on its own
func (t *Ticker) Stopped() bool {
	return t.stopped
}

func (t *Ticker) fire() {
	if t.stopped {
		return
	}
	if t.ctx != nil && t.ctx.Err() != nil {
		t.stopped = true
		return
	}

	t.ticks += 1
	if !t.fn(t.ticks) {
		t.stopped = true
		return
	}
	if t.maxTicks > 0 && t.ticks >= t.maxTicks {
		t.stopped = true
		return
	}
	t.sched.After(t.period, t.fire)
}
