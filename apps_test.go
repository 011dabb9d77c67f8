package p2pnet

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUdpServerCountsGaps(t *testing.T) {
	server := AppDesc{Name: "server", Type: UdpServerApp, Node: "n1", Port: 8000, Start: 0, Stop: 10}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, server), nil)
	require.NoError(t, err)
	us := nw.Node("n1").Apps()[0].(*UdpServer)
	assert.Equal(t, "UdpServer", us.TypeName())

	src := netip.MustParseAddr("10.1.1.1")
	for _, seq := range []uint32{0, 1, 4, 2, 5} {
		us.receive(&Packet{Src: src, SrcPort: 1, AppSeq: seq, Payload: 10, Proto: ProtoUDP})
	}
	assert.Equal(t, uint64(5), us.Received())
	assert.Equal(t, uint64(1), us.Lost())
}

func TestUdpClientStopsAtMaxPackets(t *testing.T) {
	server := AppDesc{Name: "server", Type: UdpServerApp, Node: "n1", Port: 8000, Start: 0, Stop: 20}
	client := AppDesc{Name: "client", Type: UdpClientApp, Node: "n0", Remote: "10.1.1.2", Port: 8000,
		Start: 1, Stop: 20, PacketSize: 512, Interval: 0.1, MaxPackets: 7}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, server, client), nil)
	require.NoError(t, err)
	sim.Stop(20 * time.Second)
	require.NoError(t, sim.Run())

	uc := nw.Node("n0").Apps()[0].(*UdpClient)
	us := nw.Node("n1").Apps()[0].(*UdpServer)
	assert.Equal(t, 7, uc.Sent())
	assert.Equal(t, uint64(7), us.Received())
	assert.Zero(t, us.Lost())
	assert.False(t, uc.Running())
}

func TestUdpClientStopCancels(t *testing.T) {
	client := AppDesc{Name: "client", Type: UdpClientApp, Node: "n0", Remote: "10.1.1.2", Port: 8000,
		Start: 1, Stop: 1.45, PacketSize: 100, Interval: 0.1, MaxPackets: 100}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, client), nil)
	require.NoError(t, err)
	sim.Stop(5 * time.Second)
	require.NoError(t, sim.Run())

	// sends at 1.0, 1.1, 1.2, 1.3, 1.4
	assert.Equal(t, 5, nw.Node("n0").Apps()[0].(*UdpClient).Sent())
}

func TestOnOffUdpRate(t *testing.T) {
	sink := AppDesc{Name: "sink", Type: SinkApp, Node: "n1", Protocol: "udp", Port: 9, Start: 0, Stop: 12}
	source := AppDesc{Name: "src", Type: OnOffApp, Node: "n0", Protocol: "udp", Remote: "10.1.1.2", Port: 9,
		Start: 1, Stop: 11, PacketSize: 1000, DataRate: 80000, OnTime: 100, OffTime: 0}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, sink, source), nil)
	require.NoError(t, err)
	sim.Stop(12 * time.Second)
	require.NoError(t, sim.Run())

	// 1000 bytes every 0.1 s for 10 s
	oo := nw.Node("n0").Apps()[0].(*OnOffApplication)
	sent := oo.TotalBytes() / 1000
	assert.InDelta(t, 100, float64(sent), 1)
	assert.Equal(t, oo.TotalBytes(), nw.Node("n1").Apps()[0].(*PacketSink).TotalRx())
}

func TestOnOffPeriods(t *testing.T) {
	sink := AppDesc{Name: "sink", Type: SinkApp, Node: "n1", Protocol: "udp", Port: 9, Start: 0, Stop: 12}
	source := AppDesc{Name: "src", Type: OnOffApp, Node: "n0", Protocol: "udp", Remote: "10.1.1.2", Port: 9,
		Start: 1, Stop: 11, PacketSize: 1000, DataRate: 80000, OnTime: 1, OffTime: 1}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, sink, source), nil)
	require.NoError(t, err)
	sim.Stop(12 * time.Second)
	require.NoError(t, sim.Run())

	// on for half of the 10 s
	sent := nw.Node("n0").Apps()[0].(*OnOffApplication).TotalBytes() / 1000
	assert.InDelta(t, 50, float64(sent), 3)
}

func TestOnOffExponential(t *testing.T) {
	sink := AppDesc{Name: "sink", Type: SinkApp, Node: "n1", Protocol: "tcp", Port: 9, Start: 0, Stop: 200}
	source := AppDesc{Name: "src", Type: OnOffApp, Node: "n0", Protocol: "tcp", Remote: "10.1.1.2", Port: 9,
		Start: 0, Stop: 200, PacketSize: 500, DataRate: 40000, OnTime: 1, OffTime: 1, OnOffModel: ExponModel}
	sim := NewSimulator()
	nw, err := BuildNetwork(sim, twoNodeTopo(t, 1e6, 10, sink, source), nil)
	require.NoError(t, err)
	sim.Stop(200 * time.Second)
	require.NoError(t, sim.Run())

	oo := nw.Node("n0").Apps()[0].(*OnOffApplication)
	assert.NotZero(t, oo.TotalBytes())
	assert.Less(t, oo.TotalBytes(), uint64(200*40000/8))
	assert.NotZero(t, nw.Node("n1").Apps()[0].(*PacketSink).TotalRx())
}

func TestCreateAppRejects(t *testing.T) {
	nw := buildRampNet(t)
	node := nw.Node("n0")
	for _, ad := range []AppDesc{
		{Name: "a", Type: SinkApp, Protocol: "sctp"},
		{Name: "b", Type: UdpClientApp, Remote: "10.1.1.2", PacketSize: 10},
		{Name: "c", Type: OnOffApp, Remote: "10.1.1.2", PacketSize: 10},
		{Name: "d", Type: OnOffApp, Remote: "10.1.1.2", PacketSize: 10, DataRate: 1, OnOffModel: "pareto"},
		{Name: "e", Type: OnOffApp, Remote: "10.1.1.2", DataRate: 1},
		{Name: "f", Type: OnOffApp, Remote: "10.1.1.2", PacketSize: 10, DataRate: 1},
		{Name: "g", Type: OnOffApp, Remote: "10.1.1.2", PacketSize: 10, DataRate: 1, OnTime: 1, OffTime: -1},
	} {
		_, err := createApp(node, ad)
		assert.Error(t, err, ad.Name)
	}
}

// on and off times left at zero would cycle forever at one instant
func TestOnOffZeroOnTimeRejected(t *testing.T) {
	source := AppDesc{Name: "src", Type: OnOffApp, Node: "n0", Protocol: "udp", Remote: "10.1.1.2", Port: 9,
		Start: 0, Stop: 1, PacketSize: 1000, DataRate: 80000}
	tc := twoNodeTopo(t, 1e6, 10)
	tc.Apps = append(tc.Apps, source)
	require.Error(t, tc.Validate())

	_, err := BuildNetwork(NewSimulator(), tc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive on time")
}

func TestRandomVariates(t *testing.T) {
	assert.Equal(t, 2.5, sampleConst(0.9, []float64{2.5}))
	assert.Zero(t, sampleExpRV(0, []float64{3}))
	assert.InDelta(t, 3*math.Log(2), sampleExpRV(0.5, []float64{3}), 1e-12)
	assert.Equal(t, 1.235, roundFloat(1.23456, 3))
}
