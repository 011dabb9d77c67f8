package p2pnet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRampNet(t *testing.T) *Network {
	t.Helper()
	tc, err := DelayRampTopology(DefaultDelayRampConfig())
	require.NoError(t, err)
	nw, err := BuildNetwork(NewSimulator(), tc, nil)
	require.NoError(t, err)
	return nw
}

func TestRoute(t *testing.T) {
	nw := buildRampNet(t)

	cases := []struct {
		src, dst string
		expect   []string
	}{
		{"n3", "n1", []string{"n3", "n0", "n1"}},
		{"n1", "n3", []string{"n1", "n0", "n3"}},
		{"n2", "n3", []string{"n2", "n0", "n3"}},
		{"n0", "n1", []string{"n0", "n1"}},
	}
	for _, c := range cases {
		route, err := nw.Route(c.src, c.dst)
		require.NoError(t, err)
		assert.Equal(t, c.expect, route, "%s -> %s", c.src, c.dst)
	}

	_, err := nw.Route("n0", "n9")
	assert.Error(t, err)
}

func TestRoutingTables(t *testing.T) {
	nw := buildRampNet(t)
	n0, n1, n3 := nw.Node("n0"), nw.Node("n1"), nw.Node("n3")

	// every remote address on n3 leaves through its only device
	for _, addr := range []string{"10.1.1.1", "10.1.1.2", "10.1.2.1", "10.1.2.2", "10.1.3.2"} {
		assert.Same(t, n3.Device(0), n3.routes[netip.MustParseAddr(addr)], addr)
	}
	_, present := n3.routes[netip.MustParseAddr("10.1.3.1")]
	assert.False(t, present, "a node has no route to its own address")

	// n0 picks the device facing each subnet's far end
	assert.Same(t, n0.Device(0), n0.routes[netip.MustParseAddr("10.1.1.2")])
	assert.Same(t, n0.Device(1), n0.routes[netip.MustParseAddr("10.1.2.1")])
	assert.Same(t, n0.Device(2), n0.routes[netip.MustParseAddr("10.1.3.1")])
	assert.Same(t, n1.Device(0), n1.routes[netip.MustParseAddr("10.1.3.1")])
}

func TestShowPath(t *testing.T) {
	assert.Equal(t, "a,b,c", ShowPath([]int{0, 1, 2}, map[int]string{0: "a", 1: "b", 2: "c"}))
}

func TestUnreachable(t *testing.T) {
	tf := CreateTopoCfgFrame("split")
	tf.AddNodes("a", "b", "c")
	tf.Connect(LinkDesc{Name: "a-b", EndptA: "a", EndptB: "b", DataRate: 1e6, Network: "10.0.1.0"})
	tc, err := tf.Transform()
	require.NoError(t, err)
	nw, err := BuildNetwork(NewSimulator(), tc, nil)
	require.NoError(t, err)

	route, err := nw.Route("a", "c")
	require.NoError(t, err)
	assert.Empty(t, route)

	err = nw.Node("a").sendUdp(1, netip.MustParseAddr("10.0.2.1"), 2, 10, 0)
	assert.Error(t, err)
}
