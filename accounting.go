package p2pnet

// accounting.go attributes application data received at sinks to the
// sink it arrived at, and turns the totals into throughput over a fixed
// observation window once a run is over.

import (
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrBadWindow is returned when the observation window is empty or inverted
var ErrBadWindow = errors.New("observation window must have positive length")

// RxObserver is told about every unit of data a sink receives.  context
// names the sink that fired, e.g. "/NodeList/1/ApplicationList/0/Rx".
type RxObserver interface {
	OnDataReceived(context string, size int, from netip.AddrPort)
}

// RxObserverFunc adapts a plain function to RxObserver
type RxObserverFunc func(context string, size int, from netip.AddrPort)

// OnDataReceived implements RxObserver
func (f RxObserverFunc) OnDataReceived(context string, size int, from netip.AddrPort) {
	f(context, size, from)
}

// SinkCounter accumulates the bytes received at one sink.  Only the handler
// it is bound to writes it.
type SinkCounter struct {
	tag      string
	bytes    uint64
	units    uint64
	clock    Scheduler
	promCntr prometheus.Counter
}

// Tag is the identity the counter reports under
func (sc *SinkCounter) Tag() string {
	return sc.tag
}

// Bytes is the running total
func (sc *SinkCounter) Bytes() uint64 {
	return sc.bytes
}

// Units is the number of receive events seen
func (sc *SinkCounter) Units() uint64 {
	return sc.units
}

// OnDataReceived implements RxObserver.  The origin address is reported but
// plays no part in the accounting.
func (sc *SinkCounter) OnDataReceived(context string, size int, from netip.AddrPort) {
	if size < 0 {
		size = 0
	}
	sc.bytes += uint64(size)
	sc.units += 1
	if sc.promCntr != nil {
		sc.promCntr.Add(float64(size))
	}

	fields := log.Fields{"sink": sc.tag, "bytes": size}
	if from.IsValid() {
		fields["from"] = from.Addr().String()
	}
	if sc.clock != nil {
		fields["t"] = sc.clock.Now().Seconds()
	}
	Logger.WithFields(fields).Debug(context + " packet received")
}

// Throughput is one line of the end-of-run report
type Throughput struct {
	Tag   string
	Bytes uint64
	Bps   float64
}

// Mbps scales to megabits (10^6) per second
func (tp Throughput) Mbps() float64 {
	return tp.Bps / 1e6
}

// Accounting owns the counters for one run and the nominal window their
// totals are divided by
type Accounting struct {
	start    time.Duration
	stop     time.Duration
	counters []*SinkCounter
	byTag    map[string]*SinkCounter
	clock    Scheduler
	metrics  *Metrics
}

// NewAccounting is a constructor.  The window is (stop - start), fixed in
// advance, so a sink that sees nothing reports exactly zero.
func NewAccounting(start, stop time.Duration) (*Accounting, error) {
	if stop <= start {
		return nil, errors.Wrapf(ErrBadWindow, "start %s stop %s", start, stop)
	}
	acct := new(Accounting)
	acct.start = start
	acct.stop = stop
	acct.byTag = make(map[string]*SinkCounter)
	return acct, nil
}

// SetClock lets counters stamp their log records with simulated time
func (acct *Accounting) SetClock(clock Scheduler) {
	acct.clock = clock
	for _, sc := range acct.counters {
		sc.clock = clock
	}
}

// Instrument mirrors every counter, present and future, into m
func (acct *Accounting) Instrument(m *Metrics) {
	acct.metrics = m
	for _, sc := range acct.counters {
		sc.promCntr = m.sinkCounter(sc.tag)
	}
}

// Counter returns the counter with the given tag, creating it if needed
func (acct *Accounting) Counter(tag string) *SinkCounter {
	sc, present := acct.byTag[tag]
	if present {
		return sc
	}
	sc = &SinkCounter{tag: tag, clock: acct.clock}
	if acct.metrics != nil {
		sc.promCntr = acct.metrics.sinkCounter(tag)
	}
	acct.byTag[tag] = sc
	acct.counters = append(acct.counters, sc)
	return sc
}

// Window is the nominal observation window
func (acct *Accounting) Window() time.Duration {
	return acct.stop - acct.start
}

// Report computes bytes*8/window for each counter, in the order the
// counters were created
func (acct *Accounting) Report() []Throughput {
	secs := acct.Window().Seconds()
	rprt := make([]Throughput, 0, len(acct.counters))
	for _, sc := range acct.counters {
		bps := float64(sc.bytes) * 8 / secs
		rprt = append(rprt, Throughput{Tag: sc.tag, Bytes: sc.bytes, Bps: bps})
	}
	return rprt
}
