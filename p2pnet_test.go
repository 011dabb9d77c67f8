package p2pnet

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildNetworkAddresses(t *testing.T) {
	nw := buildRampNet(t)
	require.Len(t, nw.Nodes(), 4)
	require.Len(t, nw.Links(), 3)

	expect := map[string][]string{
		"n0": {"10.1.1.1", "10.1.2.2", "10.1.3.2"},
		"n1": {"10.1.1.2"},
		"n2": {"10.1.2.1"},
		"n3": {"10.1.3.1"},
	}
	for name, addrs := range expect {
		node := nw.Node(name)
		require.NotNil(t, node, name)
		got := []string{}
		for _, dev := range node.Devices() {
			got = append(got, dev.Addr().String())
		}
		assert.Equal(t, addrs, got, name)
	}

	lnk := nw.Node("n3").Device(0).Link()
	assert.Same(t, nw.Link("n3-n0"), lnk)
	assert.Equal(t, 10*time.Millisecond, lnk.Delay())
	assert.True(t, lnk.Valid())
	assert.Equal(t, "/NodeList/3/DeviceList/0", nw.Node("n3").Device(0).Path())
	assert.Nil(t, nw.Node("n3").Device(1))
	assert.Nil(t, nw.NodeByIndex(4))
}

func TestConnect(t *testing.T) {
	nw := buildRampNet(t)
	obs := RxObserverFunc(func(string, int, netip.AddrPort) {})

	for _, good := range []string{
		"/NodeList/1/ApplicationList/0/Rx",
		"/NodeList/1/ApplicationList/1/$ns3::PacketSink/Rx",
		"/NodeList/1/ApplicationList/1/$PacketSink/Rx",
	} {
		assert.NoError(t, nw.Connect(good, obs), good)
	}

	for _, bad := range []string{
		"/NodeList/7/ApplicationList/0/Rx",
		"/NodeList/1/ApplicationList/2/Rx",
		"/NodeList/x/ApplicationList/0/Rx",
		"/NodeList/1/ApplicationList/0/$UdpServer/Rx",
		"/NodeList/1/ApplicationList/0/PacketSink/Rx",
		"/NodeList/1/ApplicationList/0/Tx",
		"/NodeList/1/DeviceList/0/Rx",
		"/NodeList/0/ApplicationList/0/Rx",
		"",
	} {
		assert.ErrorIs(t, nw.Connect(bad, obs), ErrUnknownPath, bad)
	}
}

func TestRxTraceFiresWithContext(t *testing.T) {
	sink := AppDesc{Name: "sink", Type: SinkApp, Node: "n1", Protocol: "udp", Port: 9, Start: 0, Stop: 5}
	client := AppDesc{Name: "client", Type: UdpClientApp, Node: "n0", Remote: "10.1.1.2", Port: 9,
		Start: 1, Stop: 5, PacketSize: 100, Interval: 0.5, MaxPackets: 3}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, sink, client), nil)
	require.NoError(t, err)

	tracePath := AppPath(nw.Node("n1"), 0)
	var contexts []string
	var sizes []int
	var froms []netip.AddrPort
	require.NoError(t, nw.Connect(tracePath, RxObserverFunc(func(context string, size int, from netip.AddrPort) {
		contexts = append(contexts, context)
		sizes = append(sizes, size)
		froms = append(froms, from)
	})))

	sim.Stop(5 * time.Second)
	require.NoError(t, sim.Run())

	assert.Equal(t, []string{tracePath, tracePath, tracePath}, contexts)
	assert.Equal(t, []int{100, 100, 100}, sizes)
	for _, from := range froms {
		assert.Equal(t, "10.1.1.1", from.Addr().String())
	}
	assert.Equal(t, uint64(300), nw.Node("n1").Apps()[0].(*PacketSink).TotalRx())
}

func TestMtuDrop(t *testing.T) {
	sink := AppDesc{Name: "sink", Type: SinkApp, Node: "n1", Port: 9, Stop: 5}
	client := AppDesc{Name: "client", Type: UdpClientApp, Node: "n0", Remote: "10.1.1.2", Port: 9,
		Start: 1, Stop: 5, PacketSize: 1500, Interval: 1, MaxPackets: 2}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, sink, client), nil)
	require.NoError(t, err)
	sim.Stop(5 * time.Second)
	require.NoError(t, sim.Run())

	assert.Zero(t, nw.Node("n1").Apps()[0].(*PacketSink).TotalRx())
	assert.Equal(t, 2, nw.Node("n0").Device(0).Drops())
	assert.Equal(t, 2, nw.Stats().Drops)
}

func TestDropTailQueue(t *testing.T) {
	// a burst larger than the queue: one in transmission, two queued, the rest dropped
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 2), nil)
	require.NoError(t, err)
	n0 := nw.Node("n0")
	sim.After(time.Second, func() {
		for i := 0; i < 6; i++ {
			require.NoError(t, n0.sendUdp(7, netip.MustParseAddr("10.1.1.2"), 9, 1000, uint32(i)))
		}
		assert.Equal(t, 2, n0.Device(0).QueueLen())
	})
	sim.Stop(5 * time.Second)
	require.NoError(t, sim.Run())

	assert.Equal(t, 3, n0.Device(0).Drops())
	ns := nw.Stats()
	assert.Equal(t, uint64(6), ns.Packets)
	assert.Equal(t, 3, ns.TxPackets)
	assert.Equal(t, 3, ns.RxPackets)
}

func TestMetricsFollowLinkDelay(t *testing.T) {
	nw := buildRampNet(t)
	m := NewMetrics()
	nw.SetMetrics(m)
	lnk := nw.Link("n3-n0")
	lnk.SetDelay(25 * time.Millisecond)

	filename := t.TempDir() + "/m.prom"
	require.NoError(t, m.WriteToFile(filename))
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() != "p2pnet_link_delay_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if metric.GetLabel()[0].GetValue() == "n3-n0" {
				found = true
				assert.InDelta(t, 0.025, metric.GetGauge().GetValue(), 1e-12)
			}
		}
	}
	assert.True(t, found)
}
