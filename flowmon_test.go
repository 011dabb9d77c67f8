package p2pnet

import (
	"encoding/xml"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flowPkt(uid uint64, dstPort uint16) *Packet {
	return &Packet{UID: uid, Src: netip.MustParseAddr("10.1.1.1"), Dst: netip.MustParseAddr("10.1.1.2"),
		SrcPort: 49153, DstPort: dstPort, Proto: ProtoUDP, Payload: 1024}
}

func TestFlowMonitorClassifies(t *testing.T) {
	fs := &fakeScheduler{}
	fm := NewFlowMonitor(fs)

	fm.reportTx(time.Second, flowPkt(1, 8000))
	fm.reportTx(time.Second, flowPkt(2, 8001))
	fm.reportTx(2*time.Second, flowPkt(3, 8000))
	require.Equal(t, []FlowID{1, 2}, fm.Flows())

	ft, ok := fm.FindFlow(1)
	require.True(t, ok)
	assert.Equal(t, uint16(8000), ft.DstPort)
	assert.Equal(t, "udp 10.1.1.1:49153 -> 10.1.1.2:8000", ft.String())

	fs1 := fm.Stats(1)
	assert.Equal(t, uint64(2), fs1.TxPackets)
	assert.Equal(t, uint64(2*1052), fs1.TxBytes)
	assert.Equal(t, time.Second, fs1.TimeFirstTxPacket)
	assert.Equal(t, 2*time.Second, fs1.TimeLastTxPacket)

	id, _, ok := fm.FlowBetween(netip.MustParseAddr("10.1.1.1"), netip.MustParseAddr("10.1.1.2"))
	assert.True(t, ok)
	assert.Equal(t, FlowID(1), id)
	_, _, ok = fm.FlowBetween(netip.MustParseAddr("10.1.1.2"), netip.MustParseAddr("10.1.1.1"))
	assert.False(t, ok)
}

func TestFlowMonitorDelayAndLoss(t *testing.T) {
	fs := &fakeScheduler{}
	fm := NewFlowMonitor(fs)

	fm.reportTx(0, flowPkt(1, 8000))
	fm.reportTx(100*time.Millisecond, flowPkt(2, 8000))
	fm.reportTx(200*time.Millisecond, flowPkt(3, 8000))
	fm.reportTx(300*time.Millisecond, flowPkt(4, 8000))

	fs.now = 5 * time.Millisecond
	fm.reportForward(flowPkt(1, 8000))
	fm.reportRx(10*time.Millisecond, flowPkt(1, 8000))
	fm.reportRx(130*time.Millisecond, flowPkt(2, 8000))
	fm.reportDrop(flowPkt(3, 8000))

	st := fm.Stats(1)
	assert.Equal(t, uint64(2), st.RxPackets)
	assert.Equal(t, 40*time.Millisecond, st.DelaySum)
	assert.Equal(t, 20*time.Millisecond, st.JitterSum)
	assert.Equal(t, 30*time.Millisecond, st.LastDelay)
	assert.Equal(t, 20*time.Millisecond, st.MeanDelay())
	assert.Equal(t, uint64(1), st.TimesForwarded)
	assert.Equal(t, uint64(1), st.DroppedPackets)
	assert.Equal(t, uint64(1), st.LostPackets)

	p50, err := st.DelayPercentile(50)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, p50)
	sd, err := st.DelayStdDev()
	require.NoError(t, err)
	assert.InDelta(t, 0.010, sd.Seconds(), 1e-9)

	// packet 4 is still in flight, then overdue
	fs.now = 5 * time.Second
	fm.CheckForLostPackets(0)
	assert.Equal(t, uint64(1), st.LostPackets)
	fs.now = 11 * time.Second
	fm.CheckForLostPackets(0)
	assert.Equal(t, uint64(2), st.LostPackets)

	// a late copy of a packet already accounted for is ignored
	fm.reportRx(12*time.Second, flowPkt(4, 8000))
	assert.Equal(t, uint64(2), st.RxPackets)
}

func TestFlowThroughput(t *testing.T) {
	st := &FlowStats{}
	assert.Zero(t, st.Throughput())

	st = &FlowStats{RxPackets: 1, RxBytes: 1024 * 1024, TimeFirstTxPacket: time.Second,
		TimeLastRxPacket: 3 * time.Second}
	assert.InDelta(t, 4.0, st.Throughput(), 1e-12)
}

func TestSerializeToXmlFile(t *testing.T) {
	fs := &fakeScheduler{}
	fm := NewFlowMonitor(fs)
	fm.SetHistogramBin(10 * time.Millisecond)
	fm.reportTx(0, flowPkt(1, 8000))
	fm.reportRx(15*time.Millisecond, flowPkt(1, 8000))
	fm.reportTx(0, flowPkt(2, 8000))
	fm.reportRx(17*time.Millisecond, flowPkt(2, 8000))

	filename := filepath.Join(t.TempDir(), "run.flowmon")
	require.NoError(t, fm.SerializeToXmlFile(filename, true))

	bytes, err := os.ReadFile(filename)
	require.NoError(t, err)
	var doc xmlFlowMonitor
	require.NoError(t, xml.Unmarshal(bytes, &doc))

	require.Len(t, doc.Flows, 1)
	xf := doc.Flows[0]
	assert.Equal(t, 1, xf.FlowID)
	assert.Equal(t, uint64(2), xf.RxPackets)
	assert.Equal(t, "+32000000ns", xf.DelaySum)
	require.NotNil(t, xf.DelayHistogram)
	assert.Equal(t, 2, xf.DelayHistogram.NBins)
	require.Len(t, xf.DelayHistogram.Bins, 1)
	assert.Equal(t, 1, xf.DelayHistogram.Bins[0].Index)
	assert.Equal(t, 2, xf.DelayHistogram.Bins[0].Count)

	require.Len(t, doc.Classifier, 1)
	assert.Equal(t, "10.1.1.2", doc.Classifier[0].DestAddress)
	assert.Equal(t, uint8(17), doc.Classifier[0].Protocol)
}
