package p2pnet

// tcp.go holds a window based reliable stream transport: byte sequence
// numbers, cumulative acknowledgements, a retransmission timer with backoff,
// and the congestion control variants NewReno, Tahoe, Reno and Rfc793 (no
// congestion control at all).  There is no connection setup or teardown;
// a sender starts transmitting as soon as it has data.

import (
	"net/netip"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// ErrUnsupportedTcpVariant is returned for a variant name not in the supported set
var ErrUnsupportedTcpVariant = errors.New("the Tcp type must be either 'NewReno', 'Tahoe', 'Reno', or 'Rfc793'")

// TcpVariant selects the congestion control of stream senders
type TcpVariant int

const (
	NewReno TcpVariant = iota
	Tahoe
	Reno
	Rfc793
)

var tcpVariantNames = map[TcpVariant]string{NewReno: "NewReno", Tahoe: "Tahoe", Reno: "Reno", Rfc793: "Rfc793"}

func (v TcpVariant) String() string {
	name, present := tcpVariantNames[v]
	if !present {
		return "unknown"
	}
	return name
}

// ParseTcpVariant accepts the variant names exactly as printed by String
func ParseTcpVariant(name string) (TcpVariant, error) {
	for v, vname := range tcpVariantNames {
		if vname == name {
			return v, nil
		}
	}
	return NewReno, errors.Wrapf(ErrUnsupportedTcpVariant, "%q", strings.TrimSpace(name))
}

const (
	defaultSegmentSize = 536
	defaultSndBufSize  = 131072
	defaultRcvWindow   = 65535
	initialSsthresh    = 65535
	dupAckThreshold    = 3

	initialRto = 3 * time.Second
	minRto     = time.Second
	maxRto     = 60 * time.Second
)

// streamSender is the sending half of one stream
type streamSender struct {
	node       *Node
	localPort  uint16
	remote     netip.Addr
	remotePort uint16
	variant    TcpVariant
	mss        int
	sndBuf     int

	sndUna uint64 // oldest unacknowledged byte
	sndNxt uint64 // next byte to send
	bufEnd uint64 // end of the data written by the application
	maxSent uint64 // highest byte ever sent

	cwnd       int
	ssthresh   int
	dupAcks    int
	inRecovery bool
	recover    uint64
	recoverSet bool

	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	rttTiming bool
	rttSeq    uint64
	rttStart  time.Duration

	rtoGen   int
	rtoArmed bool
	closed   bool

	retransmits int
	timeouts    int
}

// createStreamSender binds an ephemeral port on node for a stream to remote:remotePort
func createStreamSender(node *Node, remote netip.Addr, remotePort uint16, variant TcpVariant) *streamSender {
	ss := new(streamSender)
	ss.node = node
	ss.localPort = node.allocPort()
	ss.remote = remote
	ss.remotePort = remotePort
	ss.variant = variant
	ss.mss = defaultSegmentSize
	ss.sndBuf = defaultSndBufSize
	ss.cwnd = ss.mss
	ss.ssthresh = initialSsthresh
	ss.rto = initialRto
	node.tcpSenders[ss.localPort] = ss
	return ss
}

// write appends n bytes to the send buffer.  It returns false, taking
// nothing, when the buffer cannot hold them.
func (ss *streamSender) write(n int) bool {
	if ss.closed || n <= 0 {
		return false
	}
	if int(ss.bufEnd-ss.sndUna)+n > ss.sndBuf {
		return false
	}
	ss.bufEnd += uint64(n)
	ss.trySend()
	return true
}

// close stops the sender.  Data in flight is abandoned.
func (ss *streamSender) close() {
	ss.closed = true
	ss.rtoArmed = false
	ss.rtoGen += 1
	delete(ss.node.tcpSenders, ss.localPort)
}

func (ss *streamSender) flight() int {
	return int(ss.sndNxt - ss.sndUna)
}

// window is the number of bytes that may be outstanding
func (ss *streamSender) window() int {
	if ss.variant == Rfc793 {
		return defaultRcvWindow
	}
	if ss.cwnd < defaultRcvWindow {
		return ss.cwnd
	}
	return defaultRcvWindow
}

// trySend sends as many segments as the window and the buffered data allow
func (ss *streamSender) trySend() {
	if ss.closed {
		return
	}
	for ss.sndNxt < ss.bufEnd {
		seg := ss.mss
		if avail := int(ss.bufEnd - ss.sndNxt); avail < seg {
			seg = avail
		}
		if ss.flight()+seg > ss.window() {
			break
		}
		ss.sendSegment(ss.sndNxt, seg)
		ss.sndNxt += uint64(seg)
	}
}

// sendSegment transmits bytes [seq, seq+n)
func (ss *streamSender) sendSegment(seq uint64, n int) {
	now := ss.node.net.sim.Now()
	retransmit := seq < ss.maxSent
	if retransmit {
		ss.retransmits += 1
		ss.node.retransmits += 1
		// Karn: no rtt sample from a range that has been sent twice
		ss.rttTiming = false
	} else if !ss.rttTiming {
		ss.rttTiming = true
		ss.rttSeq = seq + uint64(n)
		ss.rttStart = now
	}
	if end := seq + uint64(n); end > ss.maxSent {
		ss.maxSent = end
	}

	pkt := &Packet{Dst: ss.remote, SrcPort: ss.localPort, DstPort: ss.remotePort, Proto: ProtoTCP,
		Payload: n, Seq: seq, SentAt: now}
	if err := ss.node.sendIP(pkt); err != nil {
		Logger.WithError(err).Warn("stream segment not sent")
	}
	if !ss.rtoArmed {
		ss.armRto()
	}
}

// retransmitHead resends the oldest unacknowledged segment
func (ss *streamSender) retransmitHead() {
	n := ss.mss
	if outstanding := int(ss.maxSent - ss.sndUna); outstanding < n {
		n = outstanding
	}
	if n > 0 {
		ss.sendSegment(ss.sndUna, n)
	}
}

func (ss *streamSender) armRto() {
	ss.rtoGen += 1
	ss.rtoArmed = true
	gen := ss.rtoGen
	ss.node.net.sim.After(ss.rto, func() {
		if gen != ss.rtoGen || !ss.rtoArmed || ss.closed {
			return
		}
		ss.onTimeout()
	})
}

func (ss *streamSender) disarmRto() {
	ss.rtoGen += 1
	ss.rtoArmed = false
}

// reduceSsthresh halves the flight size, with a floor of two segments
func (ss *streamSender) reduceSsthresh() {
	ss.ssthresh = ss.flight() / 2
	if ss.ssthresh < 2*ss.mss {
		ss.ssthresh = 2 * ss.mss
	}
}

// onTimeout goes back to the oldest unacknowledged byte
func (ss *streamSender) onTimeout() {
	ss.timeouts += 1
	ss.node.timeouts += 1
	ss.rtoArmed = false
	Logger.WithFields(log.Fields{"node": ss.node.name, "port": ss.localPort, "una": ss.sndUna, "rto": ss.rto.Seconds()}).
		Debug("retransmission timeout")

	if ss.variant != Rfc793 {
		ss.reduceSsthresh()
		ss.cwnd = ss.mss
	}
	ss.inRecovery = false
	ss.dupAcks = 0
	ss.recover = ss.maxSent
	ss.recoverSet = true
	ss.sndNxt = ss.sndUna
	ss.rttTiming = false

	ss.rto *= 2
	if ss.rto > maxRto {
		ss.rto = maxRto
	}
	ss.trySend()
	if !ss.rtoArmed && ss.sndUna < ss.bufEnd {
		ss.armRto()
	}
}

// sampleRtt folds one measurement into srtt/rttvar and recomputes the rto
func (ss *streamSender) sampleRtt(rtt time.Duration) {
	if ss.srtt == 0 {
		ss.srtt = rtt
		ss.rttvar = rtt / 2
	} else {
		diff := ss.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		ss.rttvar = (3*ss.rttvar + diff) / 4
		ss.srtt = (7*ss.srtt + rtt) / 8
	}
	ss.setRtoFromEstimate()
}

// setRtoFromEstimate recomputes the rto from srtt and rttvar, clearing any backoff
func (ss *streamSender) setRtoFromEstimate() {
	ss.rto = ss.srtt + 4*ss.rttvar
	if ss.rto < minRto {
		ss.rto = minRto
	}
	if ss.rto > maxRto {
		ss.rto = maxRto
	}
}

// onAck processes a cumulative acknowledgement
func (ss *streamSender) onAck(ack uint64) {
	if ss.closed {
		return
	}
	if ack > ss.maxSent {
		return
	}

	if ack > ss.sndUna {
		ss.onNewAck(ack)
		return
	}
	if ack == ss.sndUna && ss.maxSent > ss.sndUna {
		ss.onDupAck()
	}
}

func (ss *streamSender) onNewAck(ack uint64) {
	acked := int(ack - ss.sndUna)
	ss.sndUna = ack
	if ss.sndNxt < ss.sndUna {
		ss.sndNxt = ss.sndUna
	}

	if ss.rttTiming && ack >= ss.rttSeq {
		ss.rttTiming = false
		ss.sampleRtt(ss.node.net.sim.Now() - ss.rttStart)
	} else if ss.srtt > 0 {
		ss.setRtoFromEstimate()
	}

	switch {
	case ss.inRecovery && ss.variant == NewReno && ack < ss.recover:
		// partial ack: the next hole is retransmitted and recovery continues
		ss.retransmitHead()
		ss.cwnd -= acked
		if ss.cwnd < ss.mss {
			ss.cwnd = ss.mss
		}
		ss.cwnd += ss.mss
	case ss.inRecovery:
		ss.inRecovery = false
		ss.cwnd = ss.ssthresh
		ss.dupAcks = 0
	default:
		ss.dupAcks = 0
		ss.growCwnd(acked)
	}

	if ss.sndUna >= ss.maxSent {
		ss.disarmRto()
	} else {
		ss.armRto()
	}
	ss.trySend()
}

// growCwnd applies slow start below ssthresh and congestion avoidance above it
func (ss *streamSender) growCwnd(acked int) {
	if ss.variant == Rfc793 {
		return
	}
	if ss.cwnd < ss.ssthresh {
		inc := acked
		if inc > ss.mss {
			inc = ss.mss
		}
		ss.cwnd += inc
		return
	}
	inc := ss.mss * ss.mss / ss.cwnd
	if inc < 1 {
		inc = 1
	}
	ss.cwnd += inc
}

func (ss *streamSender) onDupAck() {
	ss.dupAcks += 1
	if ss.variant == Rfc793 {
		return
	}

	if ss.inRecovery {
		// each further duplicate means a segment has left the network
		ss.cwnd += ss.mss
		ss.trySend()
		return
	}

	if ss.dupAcks != dupAckThreshold {
		return
	}
	if ss.recoverSet && ss.sndUna < ss.recover {
		// still working off the loss event that set recover
		return
	}

	ss.reduceSsthresh()
	ss.recover = ss.maxSent
	ss.recoverSet = true

	switch ss.variant {
	case Tahoe:
		ss.cwnd = ss.mss
		ss.sndNxt = ss.sndUna
		ss.trySend()
	case Reno, NewReno:
		ss.inRecovery = true
		ss.retransmitHead()
		ss.cwnd = ss.ssthresh + dupAckThreshold*ss.mss
	}
	ss.armRto()
}

// streamListener accepts segments sent to one port and keeps a receiver per remote endpoint
type streamListener struct {
	node      *Node
	port      uint16
	receivers map[netip.AddrPort]*streamReceiver
	deliver   func(size int, from netip.AddrPort)
}

// listenTcp binds a stream listener to port on node
func (node *Node) listenTcp(port uint16, deliver func(size int, from netip.AddrPort)) (*streamListener, error) {
	if _, present := node.tcpListen[port]; present {
		return nil, errors.Errorf("%s: tcp port %d already bound", node.name, port)
	}
	sl := &streamListener{node: node, port: port, deliver: deliver,
		receivers: make(map[netip.AddrPort]*streamReceiver)}
	node.tcpListen[port] = sl
	return sl, nil
}

func (node *Node) unlistenTcp(port uint16) {
	delete(node.tcpListen, port)
}

// streamReceiver reassembles one stream and acknowledges every segment
type streamReceiver struct {
	listener *streamListener
	from     netip.AddrPort
	rcvNxt   uint64
	ooo      map[uint64]uint64 // start -> end of segments above rcvNxt
}

// receiveTcp dispatches acknowledgements to senders and data to listeners
func (node *Node) receiveTcp(pkt *Packet) {
	if pkt.isAck() {
		ss, present := node.tcpSenders[pkt.DstPort]
		if present {
			ss.onAck(pkt.Ack)
		}
		return
	}

	sl, present := node.tcpListen[pkt.DstPort]
	if !present {
		Logger.WithFields(log.Fields{"node": node.name, "port": pkt.DstPort}).Debug("no tcp listener bound")
		return
	}
	from := netip.AddrPortFrom(pkt.Src, pkt.SrcPort)
	sr, present := sl.receivers[from]
	if !present {
		sr = &streamReceiver{listener: sl, from: from, ooo: make(map[uint64]uint64)}
		sl.receivers[from] = sr
	}
	sr.absorb(pkt.Seq, pkt.Seq+uint64(pkt.Payload))
	sr.sendAck(pkt.Dst)
}

// absorb takes in bytes [seq, end), delivering whatever becomes contiguous
func (sr *streamReceiver) absorb(seq, end uint64) {
	if end <= sr.rcvNxt {
		return
	}
	if seq > sr.rcvNxt {
		if cur, present := sr.ooo[seq]; !present || end > cur {
			sr.ooo[seq] = end
		}
		return
	}
	sr.deliverTo(end)

	for advanced := true; advanced; {
		advanced = false
		for s, e := range sr.ooo {
			if s > sr.rcvNxt {
				continue
			}
			delete(sr.ooo, s)
			if e > sr.rcvNxt {
				sr.deliverTo(e)
			}
			advanced = true
		}
	}
}

func (sr *streamReceiver) deliverTo(end uint64) {
	n := int(end - sr.rcvNxt)
	sr.rcvNxt = end
	if sr.listener.deliver != nil {
		sr.listener.deliver(n, sr.from)
	}
}

func (sr *streamReceiver) sendAck(local netip.Addr) {
	node := sr.listener.node
	pkt := &Packet{Src: local, Dst: sr.from.Addr(), SrcPort: sr.listener.port, DstPort: sr.from.Port(),
		Proto: ProtoTCP, Ack: sr.rcvNxt, Flags: flagACK, SentAt: node.net.sim.Now()}
	if err := node.sendIP(pkt); err != nil {
		Logger.WithError(err).Warn("acknowledgement not sent")
	}
}
