package p2pnet

// p2pnet.go turns a TopoCfg into a running Network: nodes, devices,
// links and addresses, routing tables, and applications whose start and
// stop events are queued on the simulator.

import (
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
)

// ErrUnknownPath is returned by Connect for a path that names no trace source
var ErrUnknownPath = errors.New("no trace source at path")

// Network is the run-time state of one experiment's topology
type Network struct {
	name     string
	sim      *Simulator
	traceMgr *TraceManager
	metrics  *Metrics
	flowMon  *FlowMonitor

	tcpVariant TcpVariant
	nxtUID     uint64

	nodes      []*Node
	nodeByName map[string]*Node
	links      []*Link
	linkByName map[string]*Link

	connGraph   graph.Graph
	cachedSP    map[int]path.Shortest
	routesBuilt bool
}

// BuildNetwork creates the run-time structures described by tc on sim.
// traceMgr may be nil.  Applications are started and stopped by events
// placed on sim here, so the network must be built before sim runs.
func BuildNetwork(sim *Simulator, tc *TopoCfg, traceMgr *TraceManager) (*Network, error) {
	if err := tc.Validate(); err != nil {
		return nil, errors.Wrapf(err, "topology %s", tc.Name)
	}

	nw := new(Network)
	nw.name = tc.Name
	nw.sim = sim
	nw.traceMgr = traceMgr
	nw.nodeByName = make(map[string]*Node)
	nw.linkByName = make(map[string]*Link)

	for idx, nd := range tc.Nodes {
		node := createNode(nw, idx, nd.Name)
		nw.nodes = append(nw.nodes, node)
		nw.nodeByName[nd.Name] = node
		traceMgr.AddName(idx, nd.Name, "node")
	}

	for idx, ld := range tc.Links {
		if _, err := nw.createLink(ld); err != nil {
			return nil, err
		}
		traceMgr.AddName(len(tc.Nodes)+idx, ld.Name, "link")
	}

	if err := nw.PopulateRoutingTables(); err != nil {
		return nil, errors.Wrap(err, "routing")
	}

	for _, ad := range tc.Apps {
		node := nw.nodeByName[ad.Node]
		app, err := createApp(node, ad)
		if err != nil {
			return nil, err
		}
		node.apps = append(node.apps, app)
		sim.After(secondsToDuration(ad.Start), app.startApp)
		if ad.Stop > ad.Start {
			sim.After(secondsToDuration(ad.Stop), app.stopApp)
		}
	}

	Logger.WithFields(log.Fields{"topo": tc.Name, "nodes": len(nw.nodes), "links": len(nw.links),
		"apps": len(tc.Apps)}).Debug("network built")
	return nw, nil
}

// createLink installs a device on each endpoint, joins them, and numbers
// them from the link's subnet
func (nw *Network) createLink(ld LinkDesc) (*Link, error) {
	mtu := ld.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}
	queueLimit := ld.QueueLimit
	if queueLimit == 0 {
		queueLimit = defaultQueueLimit
	}

	nodeA, nodeB := nw.nodeByName[ld.EndptA], nw.nodeByName[ld.EndptB]
	devA := createNetDevice(nodeA, ld.DataRate, mtu, queueLimit)
	devB := createNetDevice(nodeB, ld.DataRate, mtu, queueLimit)

	lnk := &Link{name: ld.Name, devA: devA, devB: devB}
	lnk.delay = secondsToDuration(ld.DelayMs / 1000.0)
	devA.link = lnk
	devB.link = lnk

	var ah AddressHelper
	if err := ah.SetBase(ld.Network, ld.Mask); err != nil {
		return nil, errors.Wrapf(err, "link %s", ld.Name)
	}
	if err := ah.Assign(devA, devB); err != nil {
		return nil, errors.Wrapf(err, "link %s", ld.Name)
	}

	nw.links = append(nw.links, lnk)
	nw.linkByName[ld.Name] = lnk
	return lnk, nil
}

// Name is the topology's name
func (nw *Network) Name() string {
	return nw.name
}

// Sim is the simulator the network runs on
func (nw *Network) Sim() *Simulator {
	return nw.sim
}

// Nodes lists the nodes in index order
func (nw *Network) Nodes() []*Node {
	return nw.nodes
}

// Node returns the node with the given name, or nil
func (nw *Network) Node(name string) *Node {
	return nw.nodeByName[name]
}

// NodeByIndex returns the idx-th node, or nil
func (nw *Network) NodeByIndex(idx int) *Node {
	if idx < 0 || idx >= len(nw.nodes) {
		return nil
	}
	return nw.nodes[idx]
}

// Links lists the links in the order they were described
func (nw *Network) Links() []*Link {
	return nw.links
}

// Link returns the link with the given name, or nil
func (nw *Network) Link(name string) *Link {
	return nw.linkByName[name]
}

// SetTcpVariant selects the congestion control of stream senders created from now on
func (nw *Network) SetTcpVariant(v TcpVariant) {
	nw.tcpVariant = v
}

// TcpVariant is the congestion control stream senders are given
func (nw *Network) TcpVariant() TcpVariant {
	return nw.tcpVariant
}

// EnableFlowMonitor installs a flow monitor on every node and returns it
func (nw *Network) EnableFlowMonitor() *FlowMonitor {
	if nw.flowMon == nil {
		nw.flowMon = NewFlowMonitor(nw.sim)
	}
	return nw.flowMon
}

// FlowMonitor is the installed flow monitor, or nil
func (nw *Network) FlowMonitor() *FlowMonitor {
	return nw.flowMon
}

// SetMetrics has devices and links report to m
func (nw *Network) SetMetrics(m *Metrics) {
	nw.metrics = m
	for _, lnk := range nw.links {
		lnk.metrics = m
		m.observeLinkDelay(lnk.name, lnk.delay)
	}
}

// Connect binds obs to the Rx trace source at path, which has the form
// /NodeList/<node>/ApplicationList/<app>/Rx, optionally with a $<Type>
// segment before Rx.  The observer is handed path as its context string.
func (nw *Network) Connect(tracePath string, obs RxObserver) error {
	app, err := nw.lookupApp(tracePath)
	if err != nil {
		return err
	}
	src, ok := app.(rxSource)
	if !ok {
		return errors.Wrapf(ErrUnknownPath, "%s: %s has no Rx source", tracePath, app.TypeName())
	}
	src.connectRx(tracePath, obs)
	return nil
}

func (nw *Network) lookupApp(tracePath string) (Application, error) {
	bad := func(why string) error {
		return errors.Wrapf(ErrUnknownPath, "%s: %s", tracePath, why)
	}
	segs := strings.Split(strings.TrimPrefix(tracePath, "/"), "/")
	if len(segs) != 5 && len(segs) != 6 {
		return nil, bad("malformed")
	}
	if segs[0] != "NodeList" || segs[2] != "ApplicationList" || segs[len(segs)-1] != "Rx" {
		return nil, bad("malformed")
	}
	nodeIdx, err := strconv.Atoi(segs[1])
	if err != nil {
		return nil, bad("node index")
	}
	node := nw.NodeByIndex(nodeIdx)
	if node == nil {
		return nil, bad("no such node")
	}
	appIdx, err := strconv.Atoi(segs[3])
	if err != nil || appIdx < 0 || appIdx >= len(node.apps) {
		return nil, bad("no such application")
	}
	app := node.apps[appIdx]

	if len(segs) == 6 {
		typeSeg := segs[4]
		if !strings.HasPrefix(typeSeg, "$") {
			return nil, bad("malformed")
		}
		typeName := typeSeg[strings.LastIndex(typeSeg, ":")+1:]
		typeName = strings.TrimPrefix(typeName, "$")
		if typeName != app.TypeName() {
			return nil, bad("application is a " + app.TypeName())
		}
	}
	return app, nil
}

// AppPath returns the trace path of the idx-th application on node
func AppPath(node *Node, idx int) string {
	return "/NodeList/" + strconv.Itoa(node.id) + "/ApplicationList/" + strconv.Itoa(idx) + "/Rx"
}

// Stats sums the device counters over the whole network
func (nw *Network) Stats() NetStats {
	var ns NetStats
	for _, node := range nw.nodes {
		ns.Retransmits += node.retransmits
		ns.Timeouts += node.timeouts
		for _, dev := range node.devices {
			ns.TxPackets += dev.txPackets
			ns.RxPackets += dev.rxPackets
			ns.Drops += dev.drops
		}
	}
	ns.Packets = nw.nxtUID
	ns.Elapsed = nw.sim.Now()
	return ns
}

// NetStats summarizes device activity after a run
type NetStats struct {
	Packets   uint64
	TxPackets int
	RxPackets int
	Drops     int
	Elapsed   time.Duration

	// stream segments sent again, and retransmission timer expiries
	Retransmits int
	Timeouts    int
}
