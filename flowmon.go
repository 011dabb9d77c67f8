package p2pnet

// flowmon.go observes every IP packet a node originates, forwards, drops
// or delivers, classifies it into a flow by its 5-tuple, and keeps per flow
// counters and delay statistics.

import (
	"encoding/xml"
	"fmt"
	"math"
	"net/netip"
	"os"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// DefaultMaxPerHopDelay is how long a packet may stay unaccounted for
// before CheckForLostPackets declares it lost
const DefaultMaxPerHopDelay = 10 * time.Second

// FlowID numbers flows from 1 in order of first appearance
type FlowID int

// FiveTuple identifies a flow
type FiveTuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	Proto   Protocol
	SrcPort uint16
	DstPort uint16
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", ft.Proto, ft.Src, ft.SrcPort, ft.Dst, ft.DstPort)
}

// FlowStats is what is known about one flow
type FlowStats struct {
	TimeFirstTxPacket time.Duration
	TimeFirstRxPacket time.Duration
	TimeLastTxPacket  time.Duration
	TimeLastRxPacket  time.Duration
	DelaySum          time.Duration
	JitterSum         time.Duration
	LastDelay         time.Duration
	TxBytes           uint64
	RxBytes           uint64
	TxPackets         uint64
	RxPackets         uint64
	LostPackets       uint64
	DroppedPackets    uint64
	DroppedBytes      uint64
	TimesForwarded    uint64

	delays []float64
}

// Throughput is rxBytes*8 over the span from the first transmission to the
// last reception, in Mbps with a 1024*1024 divisor.  A flow with nothing
// received reports zero.
func (fs *FlowStats) Throughput() float64 {
	span := (fs.TimeLastRxPacket - fs.TimeFirstTxPacket).Seconds()
	if fs.RxPackets == 0 || !(span > 0) {
		return 0
	}
	return float64(fs.RxBytes) * 8.0 / span / (1024 * 1024)
}

// MeanDelay is the average one-way delay of received packets
func (fs *FlowStats) MeanDelay() time.Duration {
	if fs.RxPackets == 0 {
		return 0
	}
	return fs.DelaySum / time.Duration(fs.RxPackets)
}

// DelayPercentile reports the pct-th percentile of one-way delay
func (fs *FlowStats) DelayPercentile(pct float64) (time.Duration, error) {
	p, err := stats.Percentile(fs.delays, pct)
	if err != nil {
		return 0, errors.Wrap(err, "delay percentile")
	}
	return secondsToDuration(p), nil
}

// DelayStdDev reports the standard deviation of one-way delay
func (fs *FlowStats) DelayStdDev() (time.Duration, error) {
	sd, err := stats.StandardDeviation(fs.delays)
	if err != nil {
		return 0, errors.Wrap(err, "delay deviation")
	}
	return secondsToDuration(sd), nil
}

type trackedPkt struct {
	flow      FlowID
	firstSeen time.Duration
	lastSeen  time.Duration
	forwarded uint64
}

// FlowMonitor is installed on every node of a network by (*Network).EnableFlowMonitor
type FlowMonitor struct {
	clock    Scheduler
	flowByID map[FlowID]*FlowStats
	tuples   map[FlowID]FiveTuple
	classify map[FiveTuple]FlowID
	tracked  map[uint64]*trackedPkt
	nxtFlow  FlowID

	histBin time.Duration
}

// NewFlowMonitor is a constructor
func NewFlowMonitor(clock Scheduler) *FlowMonitor {
	fm := new(FlowMonitor)
	fm.clock = clock
	fm.flowByID = make(map[FlowID]*FlowStats)
	fm.tuples = make(map[FlowID]FiveTuple)
	fm.classify = make(map[FiveTuple]FlowID)
	fm.tracked = make(map[uint64]*trackedPkt)
	fm.nxtFlow = 1
	fm.histBin = time.Millisecond
	return fm
}

// SetHistogramBin sets the width of the delay histogram bins written by SerializeToXmlFile
func (fm *FlowMonitor) SetHistogramBin(width time.Duration) {
	if width > 0 {
		fm.histBin = width
	}
}

func tupleOf(pkt *Packet) FiveTuple {
	return FiveTuple{Src: pkt.Src, Dst: pkt.Dst, Proto: pkt.Proto, SrcPort: pkt.SrcPort, DstPort: pkt.DstPort}
}

// classifyPkt returns the flow pkt belongs to, opening a new one if needed
func (fm *FlowMonitor) classifyPkt(pkt *Packet) FlowID {
	ft := tupleOf(pkt)
	id, present := fm.classify[ft]
	if !present {
		id = fm.nxtFlow
		fm.nxtFlow += 1
		fm.classify[ft] = id
		fm.tuples[id] = ft
		fm.flowByID[id] = new(FlowStats)
	}
	return id
}

func (fm *FlowMonitor) reportTx(now time.Duration, pkt *Packet) {
	id := fm.classifyPkt(pkt)
	fs := fm.flowByID[id]
	if fs.TxPackets == 0 {
		fs.TimeFirstTxPacket = now
	}
	fs.TimeLastTxPacket = now
	fs.TxPackets += 1
	fs.TxBytes += uint64(pkt.Size())
	fm.tracked[pkt.UID] = &trackedPkt{flow: id, firstSeen: now, lastSeen: now}
}

func (fm *FlowMonitor) reportForward(pkt *Packet) {
	tp, present := fm.tracked[pkt.UID]
	if !present {
		return
	}
	tp.forwarded += 1
	tp.lastSeen = fm.clock.Now()
}

func (fm *FlowMonitor) reportRx(now time.Duration, pkt *Packet) {
	tp, present := fm.tracked[pkt.UID]
	if !present {
		return
	}
	delete(fm.tracked, pkt.UID)
	fs := fm.flowByID[tp.flow]

	delay := now - tp.firstSeen
	if fs.RxPackets > 0 {
		jitter := delay - fs.LastDelay
		if jitter < 0 {
			jitter = -jitter
		}
		fs.JitterSum += jitter
	} else {
		fs.TimeFirstRxPacket = now
	}
	fs.LastDelay = delay
	fs.DelaySum += delay
	fs.delays = append(fs.delays, delay.Seconds())
	fs.TimeLastRxPacket = now
	fs.RxPackets += 1
	fs.RxBytes += uint64(pkt.Size())
	fs.TimesForwarded += tp.forwarded
}

// reportDrop counts a drop against the packet's flow; the packet is lost
func (fm *FlowMonitor) reportDrop(pkt *Packet) {
	tp, present := fm.tracked[pkt.UID]
	if !present {
		return
	}
	delete(fm.tracked, pkt.UID)
	fs := fm.flowByID[tp.flow]
	fs.DroppedPackets += 1
	fs.DroppedBytes += uint64(pkt.Size())
	fs.LostPackets += 1
}

// CheckForLostPackets declares lost every packet last seen more than
// maxDelay ago.  Zero selects DefaultMaxPerHopDelay.
func (fm *FlowMonitor) CheckForLostPackets(maxDelay time.Duration) {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxPerHopDelay
	}
	now := fm.clock.Now()
	for uid, tp := range fm.tracked {
		if now-tp.lastSeen > maxDelay {
			fm.flowByID[tp.flow].LostPackets += 1
			delete(fm.tracked, uid)
		}
	}
}

// Flows lists the flow ids in increasing order
func (fm *FlowMonitor) Flows() []FlowID {
	ids := make([]FlowID, 0, len(fm.flowByID))
	for id := range fm.flowByID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns the statistics of flow id, or nil
func (fm *FlowMonitor) Stats(id FlowID) *FlowStats {
	return fm.flowByID[id]
}

// FindFlow returns the 5-tuple of flow id
func (fm *FlowMonitor) FindFlow(id FlowID) (FiveTuple, bool) {
	ft, present := fm.tuples[id]
	return ft, present
}

// FlowBetween returns the first flow from src to dst, whatever the ports
func (fm *FlowMonitor) FlowBetween(src, dst netip.Addr) (FlowID, *FlowStats, bool) {
	for _, id := range fm.Flows() {
		ft := fm.tuples[id]
		if ft.Src == src && ft.Dst == dst {
			return id, fm.flowByID[id], true
		}
	}
	return 0, nil, false
}

// xml shapes, modelled on the flow monitor files other tools read

type xmlBin struct {
	Index int     `xml:"index,attr"`
	Start float64 `xml:"start,attr"`
	Width float64 `xml:"width,attr"`
	Count int     `xml:"count,attr"`
}

type xmlHistogram struct {
	NBins int      `xml:"nBins,attr"`
	Bins  []xmlBin `xml:"bin"`
}

type xmlFlow struct {
	FlowID            int           `xml:"flowId,attr"`
	TimeFirstTxPacket string        `xml:"timeFirstTxPacket,attr"`
	TimeFirstRxPacket string        `xml:"timeFirstRxPacket,attr"`
	TimeLastTxPacket  string        `xml:"timeLastTxPacket,attr"`
	TimeLastRxPacket  string        `xml:"timeLastRxPacket,attr"`
	DelaySum          string        `xml:"delaySum,attr"`
	JitterSum         string        `xml:"jitterSum,attr"`
	LastDelay         string        `xml:"lastDelay,attr"`
	TxBytes           uint64        `xml:"txBytes,attr"`
	RxBytes           uint64        `xml:"rxBytes,attr"`
	TxPackets         uint64        `xml:"txPackets,attr"`
	RxPackets         uint64        `xml:"rxPackets,attr"`
	LostPackets       uint64        `xml:"lostPackets,attr"`
	TimesForwarded    uint64        `xml:"timesForwarded,attr"`
	DelayHistogram    *xmlHistogram `xml:"delayHistogram,omitempty"`
}

type xmlClassifierFlow struct {
	FlowID          int    `xml:"flowId,attr"`
	SourceAddress   string `xml:"sourceAddress,attr"`
	DestAddress     string `xml:"destinationAddress,attr"`
	Protocol        uint8  `xml:"protocol,attr"`
	SourcePort      uint16 `xml:"sourcePort,attr"`
	DestinationPort uint16 `xml:"destinationPort,attr"`
}

type xmlFlowMonitor struct {
	XMLName    xml.Name            `xml:"FlowMonitor"`
	Flows      []xmlFlow           `xml:"FlowStats>Flow"`
	Classifier []xmlClassifierFlow `xml:"Ipv4FlowClassifier>Flow"`
}

// nanosecond timestamps, signed, as "+123ns"
func xmlTime(d time.Duration) string {
	return fmt.Sprintf("%+dns", d.Nanoseconds())
}

func (fm *FlowMonitor) histogram(fs *FlowStats) *xmlHistogram {
	width := fm.histBin.Seconds()
	counts := map[int]int{}
	maxIdx := -1
	for _, d := range fs.delays {
		idx := int(math.Floor(d / width))
		counts[idx] += 1
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	hist := &xmlHistogram{NBins: maxIdx + 1}
	for idx := 0; idx <= maxIdx; idx++ {
		if counts[idx] == 0 {
			continue
		}
		hist.Bins = append(hist.Bins, xmlBin{Index: idx, Start: float64(idx) * width, Width: width, Count: counts[idx]})
	}
	return hist
}

// SerializeToXmlFile writes every flow's statistics and the classifier to filename
func (fm *FlowMonitor) SerializeToXmlFile(filename string, histograms bool) error {
	doc := xmlFlowMonitor{}
	for _, id := range fm.Flows() {
		fs := fm.flowByID[id]
		xf := xmlFlow{
			FlowID:            int(id),
			TimeFirstTxPacket: xmlTime(fs.TimeFirstTxPacket),
			TimeFirstRxPacket: xmlTime(fs.TimeFirstRxPacket),
			TimeLastTxPacket:  xmlTime(fs.TimeLastTxPacket),
			TimeLastRxPacket:  xmlTime(fs.TimeLastRxPacket),
			DelaySum:          xmlTime(fs.DelaySum),
			JitterSum:         xmlTime(fs.JitterSum),
			LastDelay:         xmlTime(fs.LastDelay),
			TxBytes:           fs.TxBytes,
			RxBytes:           fs.RxBytes,
			TxPackets:         fs.TxPackets,
			RxPackets:         fs.RxPackets,
			LostPackets:       fs.LostPackets,
			TimesForwarded:    fs.TimesForwarded,
		}
		if histograms {
			xf.DelayHistogram = fm.histogram(fs)
		}
		doc.Flows = append(doc.Flows, xf)

		ft := fm.tuples[id]
		doc.Classifier = append(doc.Classifier, xmlClassifierFlow{FlowID: int(id),
			SourceAddress: ft.Src.String(), DestAddress: ft.Dst.String(), Protocol: uint8(ft.Proto),
			SourcePort: ft.SrcPort, DestinationPort: ft.DstPort})
	}

	bytes, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing flow monitor")
	}
	bytes = append([]byte(xml.Header), bytes...)
	return os.WriteFile(filename, append(bytes, '\n'), 0o644)
}
