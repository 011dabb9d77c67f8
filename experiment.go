package p2pnet

// experiment.go holds the two canned experiments: a udp client and server
// across one link, and the four node delay ramp, where two stream sources
// share a bottleneck while the propagation delay of one access link grows
// by a millisecond every second.

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// OutputConfig selects what an experiment writes besides its report.
// Files are named <Dir>/<Prefix><suffix>.
type OutputConfig struct {
	Dir    string
	Prefix string

	Ascii   bool // <prefix>.tr
	Pcap    bool // <prefix>-<node>-<dev>.pcap
	FlowMon bool // <prefix>.flowmon
	Metrics bool // <prefix>.prom
	Dump    bool // <prefix>-trace.yaml

	// TraceMgr, when set, is used instead of one the experiment creates,
	// so the caller can close it on paths the experiment does not see
	TraceMgr *TraceManager

	// Progress, when set, is called once per simulated second
	Progress func(now, stop time.Duration)

	// RunID tags log records; one is generated when empty
	RunID string
}

func (oc *OutputConfig) filename(suffix string) string {
	return filepath.Join(oc.Dir, oc.Prefix+suffix)
}

// wantsTrace tells whether any output needs the trace manager active
func (oc *OutputConfig) wantsTrace() bool {
	return oc.Ascii || oc.Pcap || oc.Dump
}

// outputNames lists the files the selected outputs will create.  Pcap
// files are represented by their common prefix.
func (oc *OutputConfig) outputNames() []string {
	var names []string
	for _, out := range []struct {
		on     bool
		suffix string
	}{
		{oc.Ascii, ".tr"},
		{oc.Pcap, ""},
		{oc.FlowMon, ".flowmon"},
		{oc.Metrics, ".prom"},
		{oc.Dump, "-trace.yaml"},
	} {
		if out.on {
			names = append(names, oc.filename(out.suffix))
		}
	}
	return names
}

// openTrace readies the trace manager for the outputs selected
func (oc *OutputConfig) openTrace(expName string) (*TraceManager, error) {
	if oc.RunID == "" {
		oc.RunID = xid.New().String()
	}
	if oc.Prefix == "" {
		oc.Prefix = expName
	}
	if oc.Dir != "" {
		if _, err := CheckDirectories([]string{oc.Dir}); err != nil {
			return nil, errors.Wrap(err, "output directory")
		}
	}
	if _, err := CheckOutputFiles(oc.outputNames()); err != nil {
		return nil, errors.Wrap(err, "output files")
	}

	tm := oc.TraceMgr
	if tm == nil {
		tm = CreateTraceManager(expName, oc.wantsTrace())
	}
	tm.InUse = oc.wantsTrace()
	if oc.Ascii {
		if err := tm.EnableAscii(oc.filename(".tr")); err != nil {
			return nil, err
		}
	}
	if oc.Pcap {
		tm.EnablePcap(oc.filename(""))
	}
	if oc.Dump {
		tm.KeepRecords()
	}
	return tm, nil
}

// startProgress reports progress through oc.Progress once per simulated second
func (oc *OutputConfig) startProgress(sim *Simulator, stop time.Duration) error {
	if oc.Progress == nil {
		return nil
	}
	ticker, err := NewTicker(sim, time.Second, func(tick int) bool {
		oc.Progress(sim.Now(), stop)
		return true
	})
	if err != nil {
		return err
	}
	ticker.Start(time.Second)
	return nil
}

// finish writes the files selected and closes the trace manager
func (oc *OutputConfig) finish(tm *TraceManager, nw *Network, m *Metrics) error {
	var errs []error
	if oc.Dump {
		errs = append(errs, tm.WriteToFile(oc.filename("-trace.yaml")))
	}
	if oc.FlowMon && nw.flowMon != nil {
		errs = append(errs, nw.flowMon.SerializeToXmlFile(oc.filename(".flowmon"), true))
	}
	if oc.Metrics && m != nil {
		errs = append(errs, m.WriteToFile(oc.filename(".prom")))
	}
	errs = append(errs, tm.Close())
	return ReportErrs(errs)
}

// UdpPairConfig parameterizes RunUdpPair
type UdpPairConfig struct {
	LatencyMs float64 // link propagation delay, ms
	Rate      float64 // link data rate, bps
	Interval  float64 // seconds between client datagrams
	Output    OutputConfig
}

// DefaultUdpPairConfig returns 2 ms, 5 Mbps and 50 ms between datagrams
func DefaultUdpPairConfig() UdpPairConfig {
	return UdpPairConfig{LatencyMs: 2.0, Rate: 5000000, Interval: 0.05, Output: OutputConfig{Prefix: "udp-pair"}}
}

// UdpPairResult reports the client to server flow
type UdpPairResult struct {
	RunID      string
	Flow       FlowID
	Tuple      FiveTuple
	TxBytes    uint64
	RxBytes    uint64
	Throughput float64 // Mbps, 1024*1024 divisor
	Lost       uint64
	Sent       int
	Received   uint64
	Net        NetStats
}

const (
	udpPairPort       = 8000
	udpPairMTU        = 1400
	udpPairPacketSize = 1024
	udpPairMaxPackets = 320
)

// UdpPairTopology describes the two node experiment
func UdpPairTopology(cfg UdpPairConfig) (*TopoCfg, error) {
	tf := CreateTopoCfgFrame("udp-pair")
	tf.AddNodes("n0", "n1")
	tf.Connect(LinkDesc{Name: "n0-n1", EndptA: "n0", EndptB: "n1", DelayMs: cfg.LatencyMs, DataRate: cfg.Rate,
		MTU: udpPairMTU, Network: "10.1.1.0", Mask: "255.255.255.0"})
	tf.AddApp(AppDesc{Name: "server", Type: UdpServerApp, Node: "n1", Port: udpPairPort, Start: 1.0, Stop: 10.0})
	tf.AddApp(AppDesc{Name: "client", Type: UdpClientApp, Node: "n0", Remote: "10.1.1.2", Port: udpPairPort,
		Start: 2.0, Stop: 10.0, PacketSize: udpPairPacketSize, Interval: cfg.Interval, MaxPackets: udpPairMaxPackets})
	return tf.Transform()
}

// RunUdpPair runs a udp client on n0 against a server on n1 until 11 s and
// reports the 10.1.1.1 -> 10.1.1.2 flow
func RunUdpPair(ctx context.Context, cfg UdpPairConfig) (*UdpPairResult, error) {
	if !(cfg.Interval > 0) {
		return nil, errors.New("client interval must be positive")
	}
	tc, err := UdpPairTopology(cfg)
	if err != nil {
		return nil, err
	}
	out := &cfg.Output
	tm, err := out.openTrace(tc.Name)
	if err != nil {
		return nil, err
	}
	defer tm.Close()
	logger := Logger.WithFields(log.Fields{"run": out.RunID, "exp": tc.Name})

	sim := NewSimulator()
	sim.SetContext(ctx)
	nw, err := BuildNetwork(sim, tc, tm)
	if err != nil {
		return nil, err
	}
	fm := nw.EnableFlowMonitor()
	var m *Metrics
	if out.Metrics {
		m = NewMetrics()
		nw.SetMetrics(m)
	}

	stop := 11 * time.Second
	sim.Stop(stop)
	if err := out.startProgress(sim, stop); err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{"latency_ms": cfg.LatencyMs, "rate": cfg.Rate, "interval": cfg.Interval}).
		Info("run simulation")
	if err := sim.Run(); err != nil {
		return nil, err
	}
	fm.CheckForLostPackets(DefaultMaxPerHopDelay)

	rslt := &UdpPairResult{RunID: out.RunID, Net: nw.Stats()}
	client := nw.Node("n0").Apps()[0].(*UdpClient)
	server := nw.Node("n1").Apps()[0].(*UdpServer)
	rslt.Sent = client.Sent()
	rslt.Received = server.Received()

	src := netip.MustParseAddr("10.1.1.1")
	dst := netip.MustParseAddr("10.1.1.2")
	if id, fs, ok := fm.FlowBetween(src, dst); ok {
		rslt.Flow = id
		rslt.Tuple, _ = fm.FindFlow(id)
		rslt.TxBytes = fs.TxBytes
		rslt.RxBytes = fs.RxBytes
		rslt.Lost = fs.LostPackets
		rslt.Throughput = fs.Throughput()
	}
	logger.WithFields(log.Fields{"tx_bytes": rslt.TxBytes, "rx_bytes": rslt.RxBytes,
		"mbps": roundFloat(rslt.Throughput, 6)}).Info("run complete")

	if err := out.finish(tm, nw, m); err != nil {
		return rslt, errors.Wrap(err, "writing outputs")
	}
	return rslt, nil
}

// DelayRampConfig parameterizes RunDelayRamp
type DelayRampConfig struct {
	Variant    TcpVariant
	AppStart   time.Duration
	Stop       time.Duration
	RampStart  time.Duration
	QueueLimit int
	Output     OutputConfig
}

// DefaultDelayRampConfig returns the standard experiment: NewReno, sources
// and sinks active from 0.5 s to 50.5 s, the ramp starting at 1.5 s
func DefaultDelayRampConfig() DelayRampConfig {
	return DelayRampConfig{
		Variant:    NewReno,
		AppStart:   500 * time.Millisecond,
		Stop:       50500 * time.Millisecond,
		RampStart:  1500 * time.Millisecond,
		QueueLimit: 10,
		Output:     OutputConfig{Prefix: "delay-ramp"},
	}
}

// DelayRampResult reports what the sinks received and how the ramp went
type DelayRampResult struct {
	RunID       string
	Variant     TcpVariant
	Throughputs []Throughput
	Firings     int
	Delays      []time.Duration
	FinalDelay  time.Duration
	RampErr     error
	Net         NetStats
}

const (
	rampPort       = 50000
	rampRate       = 1.5e6
	rampDelayMs    = 10.0
	rampPacketSize = 2000
	rampOnTime     = 50.0
)

// the access link whose delay the ramp walks, and the sink tags
const (
	rampLink = "n3-n0"
	tagN0    = "from-n0"
	tagN3    = "from-n3"
)

// DelayRampTopology describes the four node experiment.  n1 hosts one sink
// per source; n0 and n3 host the sources.  n2 is attached but idle.
func DelayRampTopology(cfg DelayRampConfig) (*TopoCfg, error) {
	tf := CreateTopoCfgFrame("delay-ramp")
	tf.AddNodes("n0", "n1", "n2", "n3")
	for _, ld := range []LinkDesc{
		{Name: "n0-n1", EndptA: "n0", EndptB: "n1", Network: "10.1.1.0"},
		{Name: "n2-n0", EndptA: "n2", EndptB: "n0", Network: "10.1.2.0"},
		{Name: rampLink, EndptA: "n3", EndptB: "n0", Network: "10.1.3.0"},
	} {
		ld.DelayMs = rampDelayMs
		ld.DataRate = rampRate
		ld.QueueLimit = cfg.QueueLimit
		tf.Connect(ld)
	}

	start, stop := cfg.AppStart.Seconds(), cfg.Stop.Seconds()
	source := AppDesc{Type: OnOffApp, Protocol: "tcp", Remote: "10.1.1.2", Start: start, Stop: stop,
		PacketSize: rampPacketSize, DataRate: rampRate, OnTime: rampOnTime, OffTime: 0, OnOffModel: ConstModel}
	sink := AppDesc{Type: SinkApp, Node: "n1", Protocol: "tcp", Start: start, Stop: stop}

	src0 := source
	src0.Name, src0.Node, src0.Port = "source-n0", "n0", rampPort
	src3 := source
	src3.Name, src3.Node, src3.Port = "source-n3", "n3", rampPort+1
	sink0 := sink
	sink0.Name, sink0.Port = "sink-"+tagN0, rampPort
	sink3 := sink
	sink3.Name, sink3.Port = "sink-"+tagN3, rampPort+1

	for _, ad := range []AppDesc{src0, src3, sink0, sink3} {
		tf.AddApp(ad)
	}
	return tf.Transform()
}

// RunDelayRamp runs the four node experiment and reports per sink throughput
// over the application window
func RunDelayRamp(ctx context.Context, cfg DelayRampConfig) (*DelayRampResult, error) {
	tc, err := DelayRampTopology(cfg)
	if err != nil {
		return nil, err
	}
	out := &cfg.Output
	tm, err := out.openTrace(tc.Name)
	if err != nil {
		return nil, err
	}
	defer tm.Close()
	logger := Logger.WithFields(log.Fields{"run": out.RunID, "exp": tc.Name, "tcp": cfg.Variant.String()})

	sim := NewSimulator()
	sim.SetContext(ctx)
	nw, err := BuildNetwork(sim, tc, tm)
	if err != nil {
		return nil, err
	}
	nw.SetTcpVariant(cfg.Variant)
	if out.FlowMon {
		nw.EnableFlowMonitor()
	}

	acct, err := NewAccounting(cfg.AppStart, cfg.Stop)
	if err != nil {
		return nil, err
	}
	acct.SetClock(sim)
	var m *Metrics
	if out.Metrics {
		m = NewMetrics()
		nw.SetMetrics(m)
		acct.Instrument(m)
	}

	// sinks are the first and second applications on n1
	n1 := nw.Node("n1")
	for idx, tag := range []string{tagN0, tagN3} {
		tracePath := fmt.Sprintf("/NodeList/%d/ApplicationList/%d/$PacketSink/Rx", n1.ID(), idx)
		if err := nw.Connect(tracePath, acct.Counter(tag)); err != nil {
			return nil, err
		}
	}

	// the ramp drives the channel behind n3's first device
	lnk := nw.Node("n3").Device(0).Link()
	ramp, err := NewDelayRamp(lnk, WithRampContext(ctx))
	if err != nil {
		return nil, err
	}
	if err := ramp.Start(sim, cfg.RampStart); err != nil {
		return nil, err
	}

	sim.Stop(cfg.Stop)
	if err := out.startProgress(sim, cfg.Stop); err != nil {
		return nil, err
	}
	logger.Info("run simulation")
	if err := sim.Run(); err != nil {
		return nil, err
	}
	if fm := nw.FlowMonitor(); fm != nil {
		fm.CheckForLostPackets(DefaultMaxPerHopDelay)
	}

	rslt := &DelayRampResult{
		RunID:       out.RunID,
		Variant:     cfg.Variant,
		Throughputs: acct.Report(),
		Firings:     ramp.Firings(),
		Delays:      ramp.Delays(),
		FinalDelay:  lnk.Delay(),
		RampErr:     ramp.Err(),
		Net:         nw.Stats(),
	}
	for _, tp := range rslt.Throughputs {
		logger.WithFields(log.Fields{"sink": tp.Tag, "bytes": tp.Bytes, "mbps": roundFloat(tp.Mbps(), 6)}).
			Info("sink throughput")
	}
	logger.WithFields(log.Fields{"firings": rslt.Firings, "final_delay_ms": rslt.FinalDelay.Milliseconds()}).
		Info("run complete")

	if err := out.finish(tm, nw, m); err != nil {
		return rslt, errors.Wrap(err, "writing outputs")
	}
	return rslt, nil
}

// TopologyConfig parameterizes RunTopology
type TopologyConfig struct {
	File    string // yaml (.yaml, .yml) or json topology description
	Variant TcpVariant
	Stop    time.Duration
	Output  OutputConfig
}

// FlowReport summarizes one flow seen by the flow monitor
type FlowReport struct {
	ID         FlowID
	Tuple      FiveTuple
	TxBytes    uint64
	RxBytes    uint64
	Lost       uint64
	Throughput float64 // Mbps, 1024*1024 divisor
}

// TopologyResult reports every receiving application and every flow
type TopologyResult struct {
	RunID string
	Topo  string
	Sinks []Throughput
	Flows []FlowReport
	Net   NetStats
}

// RunTopology builds the network described in cfg.File and runs it until
// cfg.Stop.  Every application with an Rx source is counted under its own
// name over the window from zero to the stop time.
func RunTopology(ctx context.Context, cfg TopologyConfig) (*TopologyResult, error) {
	if cfg.Stop <= 0 {
		return nil, errors.New("stop time must be positive")
	}
	tc, err := ReadTopoCfg(cfg.File, UseYAML(cfg.File), nil)
	if err != nil {
		return nil, err
	}
	out := &cfg.Output
	tm, err := out.openTrace(tc.Name)
	if err != nil {
		return nil, err
	}
	defer tm.Close()
	logger := Logger.WithFields(log.Fields{"run": out.RunID, "exp": tc.Name, "tcp": cfg.Variant.String()})

	sim := NewSimulator()
	sim.SetContext(ctx)
	nw, err := BuildNetwork(sim, tc, tm)
	if err != nil {
		return nil, err
	}
	nw.SetTcpVariant(cfg.Variant)
	fm := nw.EnableFlowMonitor()

	acct, err := NewAccounting(0, cfg.Stop)
	if err != nil {
		return nil, err
	}
	acct.SetClock(sim)
	var m *Metrics
	if out.Metrics {
		m = NewMetrics()
		nw.SetMetrics(m)
		acct.Instrument(m)
	}
	for _, node := range nw.Nodes() {
		for idx, app := range node.Apps() {
			if _, ok := app.(rxSource); !ok {
				continue
			}
			if err := nw.Connect(AppPath(node, idx), acct.Counter(app.Name())); err != nil {
				return nil, err
			}
		}
	}

	sim.Stop(cfg.Stop)
	if err := out.startProgress(sim, cfg.Stop); err != nil {
		return nil, err
	}
	logger.WithField("file", cfg.File).Info("run simulation")
	if err := sim.Run(); err != nil {
		return nil, err
	}
	fm.CheckForLostPackets(DefaultMaxPerHopDelay)

	rslt := &TopologyResult{RunID: out.RunID, Topo: tc.Name, Sinks: acct.Report(), Net: nw.Stats()}
	for _, id := range fm.Flows() {
		fs := fm.Stats(id)
		ft, _ := fm.FindFlow(id)
		rslt.Flows = append(rslt.Flows, FlowReport{ID: id, Tuple: ft, TxBytes: fs.TxBytes, RxBytes: fs.RxBytes,
			Lost: fs.LostPackets, Throughput: fs.Throughput()})
	}
	logger.WithFields(log.Fields{"flows": len(rslt.Flows), "sinks": len(rslt.Sinks)}).Info("run complete")

	if err := out.finish(tm, nw, m); err != nil {
		return rslt, errors.Wrap(err, "writing outputs")
	}
	return rslt, nil
}
