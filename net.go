package p2pnet

// net.go holds the run-time representation of nodes, devices and
// point-to-point links, and the event handlers that move a packet across a
// link: out of the sender's egress queue, across the channel, and into the
// peer device.

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
	"github.com/pkg/errors"
)

const (
	defaultMTU        = 1500
	defaultQueueLimit = 100
	defaultTTL        = 64

	pppHeaderLen  = 2
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	tcpHeaderLen  = 20
)

// Protocol is the IP protocol number of a packet
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	}
	return fmt.Sprintf("proto-%d", uint8(p))
}

// tcp header flags carried by stream segments
const (
	flagACK uint8 = 0x10
)

// Packet is the unit moved through the network.  Payload is the number of
// application bytes carried; headers are accounted for by Size.
type Packet struct {
	UID     uint64
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   Protocol
	TTL     uint8
	Payload int

	// stream transport fields
	Seq   uint64
	Ack   uint64
	Flags uint8

	// datagram sequence number and send time, as a udp client stamps them
	AppSeq uint32
	SentAt time.Duration
}

// Size is the length of the IP packet, headers included
func (pkt *Packet) Size() int {
	switch pkt.Proto {
	case ProtoTCP:
		return ipv4HeaderLen + tcpHeaderLen + pkt.Payload
	case ProtoUDP:
		return ipv4HeaderLen + udpHeaderLen + pkt.Payload
	}
	return ipv4HeaderLen + pkt.Payload
}

// wireBits is the number of bits serialized onto the link
func (pkt *Packet) wireBits() float64 {
	return float64(8 * (pkt.Size() + pppHeaderLen))
}

func (pkt *Packet) isAck() bool {
	return pkt.Proto == ProtoTCP && pkt.Payload == 0 && pkt.Flags&flagACK != 0
}

// Link is a point-to-point channel.  Its propagation delay is read each
// time a packet leaves a device, so changes take effect for the next packet.
type Link struct {
	name     string
	delay    time.Duration
	devA     *NetDevice
	devB     *NetDevice
	detached bool
	metrics  *Metrics
}

// Name implements DelayLink
func (lnk *Link) Name() string {
	if lnk == nil {
		return "<nil>"
	}
	return lnk.name
}

// Valid implements DelayLink.  A nil link, or one that has been detached
// from its devices, is not valid.
func (lnk *Link) Valid() bool {
	return lnk != nil && !lnk.detached && lnk.devA != nil && lnk.devB != nil
}

// Delay implements DelayLink
func (lnk *Link) Delay() time.Duration {
	return lnk.delay
}

// SetDelay implements DelayLink
func (lnk *Link) SetDelay(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	lnk.delay = delay
	if lnk.metrics != nil {
		lnk.metrics.observeLinkDelay(lnk.name, delay)
	}
}

// Detach takes the link out of service.  Packets leaving a device on a
// detached link are dropped.
func (lnk *Link) Detach() {
	lnk.detached = true
}

// Devices returns the devices at either end
func (lnk *Link) Devices() (*NetDevice, *NetDevice) {
	return lnk.devA, lnk.devB
}

// peer returns the device at the other end from dev
func (lnk *Link) peer(dev *NetDevice) *NetDevice {
	if lnk.devA == dev {
		return lnk.devB
	}
	return lnk.devA
}

// NetDevice is a point-to-point interface on a node, with a drop-tail
// egress queue in front of its transmitter
type NetDevice struct {
	index      int
	node       *Node
	addr       netip.Addr
	prefix     netip.Prefix
	rate       float64
	mtu        int
	queueLimit int
	queue      []*Packet
	busy       bool
	link       *Link

	txPackets int
	rxPackets int
	drops     int
}

// createNetDevice is a constructor
func createNetDevice(node *Node, rate float64, mtu, queueLimit int) *NetDevice {
	dev := new(NetDevice)
	dev.node = node
	dev.index = len(node.devices)
	dev.rate = rate
	dev.mtu = mtu
	dev.queueLimit = queueLimit
	dev.queue = make([]*Packet, 0)
	node.devices = append(node.devices, dev)
	return dev
}

// Addr is the IPv4 address assigned to the device
func (dev *NetDevice) Addr() netip.Addr {
	return dev.addr
}

// Node is the node the device is installed on
func (dev *NetDevice) Node() *Node {
	return dev.node
}

// Link is the channel the device is attached to
func (dev *NetDevice) Link() *Link {
	return dev.link
}

// Path is the device's name in trace output
func (dev *NetDevice) Path() string {
	return fmt.Sprintf("/NodeList/%d/DeviceList/%d", dev.node.id, dev.index)
}

// Drops is the number of packets dropped at this device
func (dev *NetDevice) Drops() int {
	return dev.drops
}

// QueueLen is the number of packets waiting behind the one being transmitted
func (dev *NetDevice) QueueLen() int {
	return len(dev.queue)
}

// txTime is the serialization time of pkt at the device's rate
func (dev *NetDevice) txTime(pkt *Packet) time.Duration {
	return secondsToDuration(pkt.wireBits() / dev.rate)
}

// send offers pkt to the device: transmit now if idle, queue if busy,
// drop if the queue is full
func (dev *NetDevice) send(pkt *Packet) bool {
	net := dev.node.net
	if pkt.Size() > dev.mtu {
		Logger.WithFields(log.Fields{"dev": dev.Path(), "size": pkt.Size(), "mtu": dev.mtu}).
			Warn("packet exceeds mtu, dropped")
		dev.drop(pkt)
		return false
	}

	if dev.busy {
		if len(dev.queue) >= dev.queueLimit {
			dev.drop(pkt)
			return false
		}
		dev.queue = append(dev.queue, pkt)
		net.traceMgr.addEvent(net.sim.Now(), TraceEnqueue, dev, pkt)
		return true
	}

	net.traceMgr.addEvent(net.sim.Now(), TraceEnqueue, dev, pkt)
	net.traceMgr.addEvent(net.sim.Now(), TraceDequeue, dev, pkt)
	dev.transmit(pkt)
	return true
}

func (dev *NetDevice) drop(pkt *Packet) {
	net := dev.node.net
	dev.drops += 1
	net.traceMgr.addEvent(net.sim.Now(), TraceDrop, dev, pkt)
	if net.metrics != nil {
		net.metrics.countDrop(dev.Path())
	}
	if net.flowMon != nil {
		net.flowMon.reportDrop(pkt)
	}
}

// transmit puts pkt on the wire; the device stays busy for the serialization time
func (dev *NetDevice) transmit(pkt *Packet) {
	dev.busy = true
	dev.txPackets += 1
	dev.node.net.sim.Schedule(dev, pkt, exitEgressIntrfc, dev.txTime(pkt))
}

// exitEgressIntrfc is called when the last bit of a packet has been
// serialized.  The packet is handed to the channel, which delivers it to
// the peer after the link's current delay, and the next queued packet
// starts transmission.
func exitEgressIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*NetDevice)
	pkt := data.(*Packet)
	net := dev.node.net

	dev.busy = false
	net.traceMgr.capture(net.sim.Now(), dev, pkt)

	lnk := dev.link
	if !lnk.Valid() {
		dev.drop(pkt)
	} else {
		net.sim.Schedule(lnk.peer(dev), pkt, enterIngressIntrfc, lnk.Delay())
	}

	if len(dev.queue) > 0 {
		var nxt *Packet
		nxt, dev.queue = dev.queue[0], dev.queue[1:]
		net.traceMgr.addEvent(net.sim.Now(), TraceDequeue, dev, nxt)
		dev.transmit(nxt)
	}
	return nil
}

// enterIngressIntrfc is called when a packet has crossed the channel
func enterIngressIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*NetDevice)
	pkt := data.(*Packet)
	net := dev.node.net

	dev.rxPackets += 1
	net.traceMgr.addEvent(net.sim.Now(), TraceReceive, dev, pkt)
	net.traceMgr.capture(net.sim.Now(), dev, pkt)
	dev.node.receive(pkt, dev)
	return nil
}

// Node is a host or router.  Every node forwards packets not addressed to it.
type Node struct {
	id      int
	name    string
	net     *Network
	devices []*NetDevice
	routes  map[netip.Addr]*NetDevice
	apps    []Application
	rng     *rngstream.RngStream

	udpPorts   map[uint16]func(*Packet)
	tcpListen  map[uint16]*streamListener
	tcpSenders map[uint16]*streamSender
	nxtPort    uint16

	// stream sender events, summed over every sender the node has had
	retransmits int
	timeouts    int
}

// createNode is a constructor
func createNode(net *Network, id int, name string) *Node {
	node := new(Node)
	node.id = id
	node.name = name
	node.net = net
	node.devices = make([]*NetDevice, 0)
	node.routes = make(map[netip.Addr]*NetDevice)
	node.apps = make([]Application, 0)
	node.rng = rngstream.New(name)
	node.udpPorts = make(map[uint16]func(*Packet))
	node.tcpListen = make(map[uint16]*streamListener)
	node.tcpSenders = make(map[uint16]*streamSender)
	node.nxtPort = 49153
	return node
}

// ID is the node's index in the network
func (node *Node) ID() int {
	return node.id
}

// Name is the node's name
func (node *Node) Name() string {
	return node.name
}

// Devices lists the node's devices in installation order
func (node *Node) Devices() []*NetDevice {
	return node.devices
}

// Device returns the idx-th device, or nil
func (node *Node) Device(idx int) *NetDevice {
	if idx < 0 || idx >= len(node.devices) {
		return nil
	}
	return node.devices[idx]
}

// Apps lists the applications installed on the node, in installation order
func (node *Node) Apps() []Application {
	return node.apps
}

// ownsAddr tells whether addr belongs to one of the node's devices
func (node *Node) ownsAddr(addr netip.Addr) bool {
	for _, dev := range node.devices {
		if dev.addr == addr {
			return true
		}
	}
	return false
}

// allocPort returns an unused ephemeral port
func (node *Node) allocPort() uint16 {
	for {
		port := node.nxtPort
		node.nxtPort += 1
		if node.nxtPort == 0 {
			node.nxtPort = 49153
		}
		_, udpUsed := node.udpPorts[port]
		_, tcpUsed := node.tcpSenders[port]
		if !udpUsed && !tcpUsed {
			return port
		}
	}
}

// sendIP originates a packet at this node.  The source address is that of
// the device the route leaves through, if the caller left it unset.
func (node *Node) sendIP(pkt *Packet) error {
	dev, present := node.routes[pkt.Dst]
	if !present {
		return errors.Errorf("%s has no route to %s", node.name, pkt.Dst)
	}
	net := node.net
	net.nxtUID += 1
	pkt.UID = net.nxtUID
	pkt.TTL = defaultTTL
	if !pkt.Src.IsValid() {
		pkt.Src = dev.addr
	}
	if net.flowMon != nil {
		net.flowMon.reportTx(net.sim.Now(), pkt)
	}
	dev.send(pkt)
	return nil
}

// receive takes a packet off a device: local delivery or forwarding
func (node *Node) receive(pkt *Packet, inDev *NetDevice) {
	net := node.net
	if node.ownsAddr(pkt.Dst) {
		if net.flowMon != nil {
			net.flowMon.reportRx(net.sim.Now(), pkt)
		}
		switch pkt.Proto {
		case ProtoUDP:
			node.receiveUdp(pkt)
		case ProtoTCP:
			node.receiveTcp(pkt)
		}
		return
	}

	if pkt.TTL <= 1 {
		Logger.WithFields(log.Fields{"node": node.name, "dst": pkt.Dst.String()}).Debug("ttl expired")
		inDev.drop(pkt)
		return
	}
	pkt.TTL -= 1

	dev, present := node.routes[pkt.Dst]
	if !present {
		Logger.WithFields(log.Fields{"node": node.name, "dst": pkt.Dst.String()}).Warn("no route, packet dropped")
		inDev.drop(pkt)
		return
	}
	if net.flowMon != nil {
		net.flowMon.reportForward(pkt)
	}
	dev.send(pkt)
}

func (node *Node) receiveUdp(pkt *Packet) {
	rcv, present := node.udpPorts[pkt.DstPort]
	if !present {
		Logger.WithFields(log.Fields{"node": node.name, "port": pkt.DstPort}).Debug("no udp socket bound")
		return
	}
	rcv(pkt)
}

// bindUdp attaches a receive function to a udp port
func (node *Node) bindUdp(port uint16, rcv func(*Packet)) error {
	if _, present := node.udpPorts[port]; present {
		return errors.Errorf("%s: udp port %d already bound", node.name, port)
	}
	node.udpPorts[port] = rcv
	return nil
}

func (node *Node) unbindUdp(port uint16) {
	delete(node.udpPorts, port)
}

// sendUdp originates one datagram
func (node *Node) sendUdp(srcPort uint16, dst netip.Addr, dstPort uint16, payload int, appSeq uint32) error {
	pkt := &Packet{Dst: dst, SrcPort: srcPort, DstPort: dstPort, Proto: ProtoUDP,
		Payload: payload, AppSeq: appSeq, SentAt: node.net.sim.Now()}
	return node.sendIP(pkt)
}
