package p2pnet

// apps.go holds the traffic sources and sinks installed on nodes.  Each
// application is started and stopped by events BuildNetwork schedules at
// the times its description gives.

import (
	"math"
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Application is implemented by everything installed on a node
type Application interface {
	// Name is the application's name in the topology description
	Name() string

	// TypeName is the type segment accepted in trace paths, e.g. "PacketSink"
	TypeName() string

	// Node is the node the application is installed on
	Node() *Node

	startApp()
	stopApp()
}

// rxSource is implemented by applications with an Rx trace source
type rxSource interface {
	connectRx(context string, obs RxObserver)
}

type boundObserver struct {
	context string
	obs     RxObserver
}

// rxTrace is the Rx trace source embedded in receiving applications
type rxTrace struct {
	observers []boundObserver
}

func (rt *rxTrace) connectRx(context string, obs RxObserver) {
	rt.observers = append(rt.observers, boundObserver{context: context, obs: obs})
}

func (rt *rxTrace) fireRx(size int, from netip.AddrPort) {
	for _, bo := range rt.observers {
		bo.obs.OnDataReceived(bo.context, size, from)
	}
}

// appBase carries what every application has
type appBase struct {
	name    string
	node    *Node
	running bool
}

func (ab *appBase) Name() string {
	return ab.name
}

func (ab *appBase) Node() *Node {
	return ab.node
}

// Running tells whether the application is between its start and stop
func (ab *appBase) Running() bool {
	return ab.running
}

// UdpServer receives datagrams on one port, counting them and the gaps in
// their sequence numbers
type UdpServer struct {
	appBase
	rxTrace
	port     uint16
	received uint64
	lost     uint64
	nxtSeq   uint32
}

func createUdpServer(name string, node *Node, port uint16) *UdpServer {
	us := &UdpServer{port: port}
	us.name = name
	us.node = node
	return us
}

func (us *UdpServer) TypeName() string {
	return "UdpServer"
}

// Received is the number of datagrams taken in
func (us *UdpServer) Received() uint64 {
	return us.received
}

// Lost is the number of sequence numbers skipped and not filled in later
func (us *UdpServer) Lost() uint64 {
	return us.lost
}

func (us *UdpServer) startApp() {
	if err := us.node.bindUdp(us.port, us.receive); err != nil {
		Logger.WithError(err).WithField("app", us.name).Error("udp server not started")
		return
	}
	us.running = true
}

func (us *UdpServer) stopApp() {
	if us.running {
		us.node.unbindUdp(us.port)
		us.running = false
	}
}

func (us *UdpServer) receive(pkt *Packet) {
	us.received += 1
	switch {
	case pkt.AppSeq >= us.nxtSeq:
		us.lost += uint64(pkt.AppSeq - us.nxtSeq)
		us.nxtSeq = pkt.AppSeq + 1
	case us.lost > 0:
		// a late arrival fills a gap counted earlier
		us.lost -= 1
	}
	Logger.WithFields(log.Fields{"app": us.name, "seq": pkt.AppSeq, "size": pkt.Payload,
		"delay": (us.node.net.sim.Now() - pkt.SentAt).Seconds()}).Debug("udp server received")
	us.fireRx(pkt.Payload, netip.AddrPortFrom(pkt.Src, pkt.SrcPort))
}

// UdpClient sends up to MaxPackets datagrams of PacketSize bytes, one per Interval
type UdpClient struct {
	appBase
	remote     netip.Addr
	remotePort uint16
	localPort  uint16
	maxPackets int
	interval   time.Duration
	size       int
	sent       int
	gen        int
}

func createUdpClient(name string, node *Node, remote netip.Addr, port uint16, maxPackets int,
	interval time.Duration, size int) *UdpClient {
	uc := &UdpClient{remote: remote, remotePort: port, maxPackets: maxPackets, interval: interval, size: size}
	uc.name = name
	uc.node = node
	return uc
}

func (uc *UdpClient) TypeName() string {
	return "UdpClient"
}

// Sent is the number of datagrams handed to the network
func (uc *UdpClient) Sent() int {
	return uc.sent
}

func (uc *UdpClient) startApp() {
	uc.localPort = uc.node.allocPort()
	if err := uc.node.bindUdp(uc.localPort, func(*Packet) {}); err != nil {
		Logger.WithError(err).WithField("app", uc.name).Error("udp client not started")
		return
	}
	uc.running = true
	uc.gen += 1
	uc.send(uc.gen)
}

func (uc *UdpClient) stopApp() {
	if uc.running {
		uc.running = false
		uc.gen += 1
		uc.node.unbindUdp(uc.localPort)
	}
}

// send transmits one datagram and schedules the next.  gen ties the chain
// of sends to one start, so a stop cancels it.
func (uc *UdpClient) send(gen int) {
	if !uc.running || gen != uc.gen {
		return
	}
	if uc.maxPackets > 0 && uc.sent >= uc.maxPackets {
		return
	}
	err := uc.node.sendUdp(uc.localPort, uc.remote, uc.remotePort, uc.size, uint32(uc.sent))
	if err != nil {
		Logger.WithError(err).WithField("app", uc.name).Warn("datagram not sent")
	}
	uc.sent += 1
	if uc.maxPackets == 0 || uc.sent < uc.maxPackets {
		uc.node.net.sim.After(uc.interval, func() { uc.send(gen) })
	}
}

// on/off period distributions
const (
	ConstModel = "const"
	ExponModel = "expon"
)

// OnOffApplication sends PacketSize byte units at DataRate while on, and
// nothing while off.  On and off period lengths are constant or drawn
// from an exponential distribution with the given mean.
type OnOffApplication struct {
	appBase
	proto      Protocol
	remote     netip.Addr
	remotePort uint16
	size       int
	rate       float64
	onMean     float64
	offMean    float64
	model      string

	localPort uint16
	stream    *streamSender
	on        bool
	gen       int
	lastStart time.Duration
	residual  float64
	totBytes  uint64
	refused   uint64
}

func createOnOffApplication(name string, node *Node, proto Protocol, remote netip.Addr, port uint16,
	size int, rate, onTime, offTime float64, model string) *OnOffApplication {
	oo := &OnOffApplication{proto: proto, remote: remote, remotePort: port, size: size, rate: rate,
		onMean: onTime, offMean: offTime, model: model}
	oo.name = name
	oo.node = node
	return oo
}

func (oo *OnOffApplication) TypeName() string {
	return "OnOffApplication"
}

// TotalBytes is the number of bytes accepted by the transport
func (oo *OnOffApplication) TotalBytes() uint64 {
	return oo.totBytes
}

// Refused is the number of bytes the transport had no room for
func (oo *OnOffApplication) Refused() uint64 {
	return oo.refused
}

func (oo *OnOffApplication) startApp() {
	switch oo.proto {
	case ProtoTCP:
		oo.stream = createStreamSender(oo.node, oo.remote, oo.remotePort, oo.node.net.tcpVariant)
	default:
		oo.localPort = oo.node.allocPort()
		if err := oo.node.bindUdp(oo.localPort, func(*Packet) {}); err != nil {
			Logger.WithError(err).WithField("app", oo.name).Error("onoff source not started")
			return
		}
	}
	oo.running = true
	oo.scheduleStart()
}

func (oo *OnOffApplication) stopApp() {
	if !oo.running {
		return
	}
	oo.running = false
	oo.on = false
	oo.gen += 1
	if oo.stream != nil {
		oo.stream.close()
		oo.stream = nil
	} else {
		oo.node.unbindUdp(oo.localPort)
	}
}

func (oo *OnOffApplication) draw(mean float64) time.Duration {
	params := []float64{mean}
	if oo.model == ExponModel && mean > 0 {
		return secondsToDuration(sampleExpRV(oo.node.rng.RandU01(), params))
	}
	return secondsToDuration(sampleConst(0, params))
}

// scheduleStart begins an off period
func (oo *OnOffApplication) scheduleStart() {
	oo.gen += 1
	gen := oo.gen
	oo.node.net.sim.After(oo.draw(oo.offMean), func() { oo.startSending(gen) })
}

func (oo *OnOffApplication) startSending(gen int) {
	if !oo.running || gen != oo.gen {
		return
	}
	oo.on = true
	oo.lastStart = oo.node.net.sim.Now()
	oo.scheduleNextTx(gen)
	oo.node.net.sim.After(oo.draw(oo.onMean), func() { oo.stopSending(gen) })
}

// stopSending ends an on period, keeping the bits already paid for
func (oo *OnOffApplication) stopSending(gen int) {
	if !oo.running || gen != oo.gen {
		return
	}
	oo.on = false
	elapsed := (oo.node.net.sim.Now() - oo.lastStart).Seconds()
	oo.residual += elapsed * oo.rate
	oo.scheduleStart()
}

func (oo *OnOffApplication) scheduleNextTx(gen int) {
	bits := float64(oo.size*8) - oo.residual
	if bits < 0 {
		bits = 0
	}
	next := secondsToDuration(bits / oo.rate)
	oo.node.net.sim.After(next, func() { oo.sendUnit(gen) })
}

func (oo *OnOffApplication) sendUnit(gen int) {
	if !oo.running || !oo.on || gen != oo.gen {
		return
	}
	if oo.stream != nil {
		if oo.stream.write(oo.size) {
			oo.totBytes += uint64(oo.size)
		} else {
			oo.refused += uint64(oo.size)
		}
	} else {
		err := oo.node.sendUdp(oo.localPort, oo.remote, oo.remotePort, oo.size, uint32(oo.totBytes/uint64(oo.size)))
		if err != nil {
			Logger.WithError(err).WithField("app", oo.name).Warn("datagram not sent")
		}
		oo.totBytes += uint64(oo.size)
	}
	oo.lastStart = oo.node.net.sim.Now()
	oo.residual = 0
	oo.scheduleNextTx(gen)
}

// PacketSink takes in whatever arrives on its port, by datagram or stream,
// and fires its Rx trace source for each delivery
type PacketSink struct {
	appBase
	rxTrace
	proto   Protocol
	port    uint16
	totalRx uint64
}

func createPacketSink(name string, node *Node, proto Protocol, port uint16) *PacketSink {
	ps := &PacketSink{proto: proto, port: port}
	ps.name = name
	ps.node = node
	return ps
}

func (ps *PacketSink) TypeName() string {
	return "PacketSink"
}

// TotalRx is the number of bytes delivered to the sink
func (ps *PacketSink) TotalRx() uint64 {
	return ps.totalRx
}

// Port is the port the sink listens on
func (ps *PacketSink) Port() uint16 {
	return ps.port
}

func (ps *PacketSink) startApp() {
	var err error
	switch ps.proto {
	case ProtoTCP:
		_, err = ps.node.listenTcp(ps.port, ps.deliver)
	default:
		err = ps.node.bindUdp(ps.port, func(pkt *Packet) {
			ps.deliver(pkt.Payload, netip.AddrPortFrom(pkt.Src, pkt.SrcPort))
		})
	}
	if err != nil {
		Logger.WithError(err).WithField("app", ps.name).Error("sink not started")
		return
	}
	ps.running = true
}

func (ps *PacketSink) stopApp() {
	if !ps.running {
		return
	}
	ps.running = false
	if ps.proto == ProtoTCP {
		ps.node.unlistenTcp(ps.port)
	} else {
		ps.node.unbindUdp(ps.port)
	}
}

func (ps *PacketSink) deliver(size int, from netip.AddrPort) {
	ps.totalRx += uint64(size)
	ps.fireRx(size, from)
}

// parseProtocol maps "tcp" and "udp" to protocol numbers
func parseProtocol(name string) (Protocol, error) {
	switch name {
	case "tcp":
		return ProtoTCP, nil
	case "udp", "":
		return ProtoUDP, nil
	}
	return 0, errors.Errorf("unknown protocol %q", name)
}

// createApp builds the application an AppDesc describes
func createApp(node *Node, ad AppDesc) (Application, error) {
	port := uint16(ad.Port)
	switch ad.Type {
	case UdpServerApp:
		return createUdpServer(ad.Name, node, port), nil
	case SinkApp:
		proto, err := parseProtocol(ad.Protocol)
		if err != nil {
			return nil, err
		}
		return createPacketSink(ad.Name, node, proto, port), nil
	}

	remote, err := netip.ParseAddr(ad.Remote)
	if err != nil {
		return nil, errors.Wrapf(err, "application %s remote", ad.Name)
	}
	if ad.PacketSize <= 0 {
		return nil, errors.Errorf("application %s needs a positive packet size", ad.Name)
	}

	switch ad.Type {
	case UdpClientApp:
		if !(ad.Interval > 0) {
			return nil, errors.Errorf("application %s needs a positive interval", ad.Name)
		}
		return createUdpClient(ad.Name, node, remote, port, ad.MaxPackets,
			secondsToDuration(ad.Interval), ad.PacketSize), nil
	case OnOffApp:
		proto, err := parseProtocol(ad.Protocol)
		if err != nil {
			return nil, err
		}
		if !(ad.DataRate > 0) {
			return nil, errors.Errorf("application %s needs a positive data rate", ad.Name)
		}
		if !(ad.OnTime > 0) || ad.OffTime < 0 {
			return nil, errors.Errorf("application %s needs a positive on time and a non-negative off time", ad.Name)
		}
		model := ad.OnOffModel
		if model == "" {
			model = ConstModel
		}
		if model != ConstModel && model != ExponModel {
			return nil, errors.Errorf("application %s has unknown on/off model %q", ad.Name, model)
		}
		return createOnOffApplication(ad.Name, node, proto, remote, port, ad.PacketSize, ad.DataRate,
			ad.OnTime, ad.OffTime, model), nil
	}
	return nil, errors.Errorf("application %s has unknown type %q", ad.Name, ad.Type)
}

// roundFloat rounds val to precision decimal places
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns an exponentially distributed value with the given rate,
// by inversion of u01
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV draws from an exponential distribution whose mean is params[0]
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, 1.0/params[0])
}

// sampleConst returns params[0] whatever u01 is
func sampleConst(u01 float64, params []float64) float64 {
	return params[0]
}
