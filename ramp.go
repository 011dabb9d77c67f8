package p2pnet

// ramp.go holds the DelayRamp, which walks the propagation delay of one
// point-to-point link upward by a fixed step, once per period, for the
// life of an experiment.

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// ErrInvalidLink flags a link handle that is nil or no longer attached to
// the network.  A ramp will not be built on one, and a ramp whose link goes
// bad halts at its next firing.
var ErrInvalidLink = errors.New("invalid link handle")

// DelayLink is what the ramp needs to see of a channel
type DelayLink interface {
	Name() string
	Valid() bool
	Delay() time.Duration
	SetDelay(time.Duration)
}

// DelayRamp holds a non-owning reference to the link it mutates
type DelayRamp struct {
	link       DelayLink
	step       time.Duration
	period     time.Duration
	maxFirings int
	ctx        context.Context
	ticker     *Ticker
	confirmed  []time.Duration
	err        error
}

// RampOption configures a DelayRamp
type RampOption func(*DelayRamp)

// WithRampStep sets the increment applied at each firing (default 1ms)
func WithRampStep(step time.Duration) RampOption {
	return func(dr *DelayRamp) {
		dr.step = step
	}
}

// WithRampPeriod sets the time between firings (default 1s)
func WithRampPeriod(period time.Duration) RampOption {
	return func(dr *DelayRamp) {
		dr.period = period
	}
}

// WithRampMaxFirings bounds the number of firings.  Zero leaves the ramp to
// run until the simulator's stop horizon.
func WithRampMaxFirings(n int) RampOption {
	return func(dr *DelayRamp) {
		dr.maxFirings = n
	}
}

// WithRampContext gives the ramp an external cancellation token
func WithRampContext(ctx context.Context) RampOption {
	return func(dr *DelayRamp) {
		dr.ctx = ctx
	}
}

// NewDelayRamp is a constructor
func NewDelayRamp(link DelayLink, opts ...RampOption) (*DelayRamp, error) {
	if link == nil || !link.Valid() {
		return nil, errors.Wrap(ErrInvalidLink, "creating delay ramp")
	}
	dr := &DelayRamp{link: link, step: time.Millisecond, period: time.Second}
	for _, opt := range opts {
		opt(dr)
	}
	if dr.step < 0 {
		return nil, errors.Errorf("delay ramp step %s is negative", dr.step)
	}
	return dr, nil
}

// Start schedules the first firing at offset 'at' from the scheduler's current time
func (dr *DelayRamp) Start(sched Scheduler, at time.Duration) error {
	if dr.ticker != nil {
		return errors.New("delay ramp already started")
	}
	opts := []TickerOption{WithMaxTicks(dr.maxFirings)}
	if dr.ctx != nil {
		opts = append(opts, WithTickerContext(dr.ctx))
	}
	ticker, err := NewTicker(sched, dr.period, dr.fire, opts...)
	if err != nil {
		return errors.Wrap(err, "starting delay ramp")
	}
	dr.ticker = ticker
	ticker.Start(at)
	return nil
}

// fire is one step of the ramp.  The delay is carried in whole
// milliseconds, so a sub-millisecond remainder on the link is dropped
// before the step is added.
func (dr *DelayRamp) fire(tick int) bool {
	if !dr.link.Valid() {
		dr.err = errors.Wrapf(ErrInvalidLink, "link %s at firing %d", dr.link.Name(), tick)
		Logger.WithError(dr.err).Error("delay ramp halted")
		return false
	}

	prev := dr.link.Delay()
	Logger.WithFields(log.Fields{"link": dr.link.Name(), "delay_ms": prev.Milliseconds()}).
		Debug("previous delay of the bottleneck link")

	next := time.Duration(prev.Milliseconds())*time.Millisecond + dr.step
	dr.link.SetDelay(next)

	confirmed := dr.link.Delay()
	dr.confirmed = append(dr.confirmed, confirmed)
	Logger.WithFields(log.Fields{"link": dr.link.Name(), "delay_ms": confirmed.Milliseconds()}).
		Debug("new delay of the bottleneck link")
	return true
}

// Firings is the number of times the ramp has acted on its link
func (dr *DelayRamp) Firings() int {
	if dr.ticker == nil {
		return 0
	}
	return len(dr.confirmed)
}

// Delays lists the delay read back after each firing
func (dr *DelayRamp) Delays() []time.Duration {
	return dr.confirmed
}

// Err is non-nil if the ramp halted because its link went bad
func (dr *DelayRamp) Err() error {
	return dr.err
}

// Done tells whether the ramp has stopped on its own (firing bound,
// cancellation, or a bad link).  A ramp left to the horizon is never Done.
func (dr *DelayRamp) Done() bool {
	return dr.ticker != nil && dr.ticker.Stopped()
}
