package p2pnet

// routes.go computes global (static, hop-count) routes through the network
// and installs them as next-hop tables on every node.

import (
	"math"
	"net/netip"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The approach is to convert the network into the data structures used by
// the gonum graph package, which has the path discovery algorithms built in.
// Every link is an edge of weight 1, so a shortest path minimizes the number
// of hops.  After a path is computed from node to node we look up the device
// through which each node reaches the next, and that device becomes the
// next hop entry for the destination.
//
// The Dijkstra algorithm computes a tree of shortest paths rooted at a
// node.  Trees are cached by root; when a tree rooted at the destination is
// already known the path is read from it and reversed.

// ShowPath returns a string that lists the names of the nodes on a path
func ShowPath(route []int, idToName map[int]string) string {
	names := make([]string, 0, len(route))
	for _, id := range route {
		names = append(names, idToName[id])
	}
	return strings.Join(names, ",")
}

// buildConnGraph returns a graph.Graph with one node per network node and
// one unit-weight edge per link
func (nw *Network) buildConnGraph() graph.Graph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range nw.nodes {
		connGraph.AddNode(simple.Node(node.id))
	}

	for _, lnk := range nw.links {
		a, b := lnk.devA.node.id, lnk.devB.node.id
		if a == b {
			continue
		}
		weightedEdge := simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: 1.0}
		connGraph.SetWeightedEdge(weightedEdge)
	}
	return connGraph
}

// getSPTree returns the shortest path tree rooted at 'from', computing and caching it if needed
func (nw *Network) getSPTree(from int) path.Shortest {
	spTree, present := nw.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), nw.connGraph)
	nw.cachedSP[from] = spTree
	return spTree
}

// convertNodeSeq extracts node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, gn := range nsQ {
		rtn = append(rtn, int(gn.ID()))
	}
	return rtn
}

// routeFrom returns the shortest path from srcID to dstID as a sequence of
// node ids, endpoints included.  An empty slice means dstID is unreachable.
func (nw *Network) routeFrom(srcID, dstID int) []int {
	if nw.connGraph == nil {
		nw.connGraph = nw.buildConnGraph()
	}

	// a tree rooted at the destination gives the path reversed
	if _, present := nw.cachedSP[srcID]; !present {
		if spTree, present := nw.cachedSP[dstID]; present {
			revNodeSeq, _ := spTree.To(int64(srcID))
			route := convertNodeSeq(revNodeSeq)
			slices.Reverse(route)
			return route
		}
	}

	spTree := nw.getSPTree(srcID)
	nodeSeq, _ := spTree.To(int64(dstID))
	return convertNodeSeq(nodeSeq)
}

// deviceToward returns the device of node whose link reaches the node with id peerID
func (node *Node) deviceToward(peerID int) *NetDevice {
	for _, dev := range node.devices {
		if dev.link == nil {
			continue
		}
		if dev.link.peer(dev).node.id == peerID {
			return dev
		}
	}
	return nil
}

// PopulateRoutingTables installs, on every node, a next-hop device for
// every address in the network
func (nw *Network) PopulateRoutingTables() error {
	nw.connGraph = nw.buildConnGraph()
	nw.cachedSP = make(map[int]path.Shortest)

	idToName := make(map[int]string)
	for _, node := range nw.nodes {
		idToName[node.id] = node.name
	}

	var errs []error
	for _, src := range nw.nodes {
		src.routes = make(map[netip.Addr]*NetDevice)
		for _, dst := range nw.nodes {
			if dst == src {
				continue
			}
			route := nw.routeFrom(src.id, dst.id)
			if len(route) < 2 {
				Logger.WithFields(log.Fields{"src": src.name, "dst": dst.name}).Debug("no path")
				continue
			}
			outDev := src.deviceToward(route[1])
			if outDev == nil {
				errs = append(errs, errors.Errorf("%s has no device toward %s", src.name, idToName[route[1]]))
				continue
			}
			for _, dev := range dst.devices {
				if dev.addr.IsValid() {
					src.routes[dev.addr] = outDev
				}
			}
			Logger.WithFields(log.Fields{"src": src.name, "dst": dst.name, "path": ShowPath(route, idToName)}).
				Debug("route installed")
		}
	}
	nw.routesBuilt = true
	return ReportErrs(errs)
}

// Route returns the names of the nodes on the path between two nodes
func (nw *Network) Route(srcName, dstName string) ([]string, error) {
	src, present := nw.nodeByName[srcName]
	if !present {
		return nil, errors.Errorf("no node %s", srcName)
	}
	dst, present := nw.nodeByName[dstName]
	if !present {
		return nil, errors.Errorf("no node %s", dstName)
	}
	if nw.connGraph == nil {
		nw.connGraph = nw.buildConnGraph()
		nw.cachedSP = make(map[int]path.Shortest)
	}
	route := nw.routeFrom(src.id, dst.id)
	names := make([]string, 0, len(route))
	for _, id := range route {
		names = append(names, nw.nodes[id].name)
	}
	return names, nil
}
