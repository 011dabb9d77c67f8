package p2pnet

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func traceDev() *NetDevice {
	node := createNode(nil, 2, "n2")
	createNetDevice(node, 1e6, defaultMTU, defaultQueueLimit)
	return createNetDevice(node, 1e6, defaultMTU, defaultQueueLimit)
}

func udpPkt() *Packet {
	return &Packet{UID: 3, Src: netip.MustParseAddr("10.1.1.1"), Dst: netip.MustParseAddr("10.1.1.2"),
		SrcPort: 49153, DstPort: 8000, Proto: ProtoUDP, TTL: 64, Payload: 1024}
}

func TestAsciiLine(t *testing.T) {
	dev := traceDev()
	line := asciiLine(2010666667*time.Nanosecond, TraceEnqueue, dev, udpPkt())
	assert.Equal(t, "+ 2.010666667 /NodeList/2/DeviceList/1 uid 3 udp 10.1.1.1:49153 > 10.1.1.2:8000 ttl 64 len 1052\n", line)

	seg := &Packet{UID: 9, Src: netip.MustParseAddr("10.1.1.1"), Dst: netip.MustParseAddr("10.1.1.2"),
		SrcPort: 49153, DstPort: 50000, Proto: ProtoTCP, TTL: 63, Payload: 536, Seq: 1073}
	line = asciiLine(time.Second, TraceReceive, dev, seg)
	assert.Equal(t, "r 1.000000000 /NodeList/2/DeviceList/1 uid 9 tcp 10.1.1.1:49153 > 10.1.1.2:50000 ttl 63 len 576 seq 1073\n", line)

	ack := &Packet{UID: 10, Src: netip.MustParseAddr("10.1.1.2"), Dst: netip.MustParseAddr("10.1.1.1"),
		SrcPort: 50000, DstPort: 49153, Proto: ProtoTCP, TTL: 64, Ack: 1609, Flags: flagACK}
	line = asciiLine(time.Second, TraceDrop, dev, ack)
	assert.Equal(t, "d 1.000000000 /NodeList/2/DeviceList/1 uid 10 tcp 10.1.1.2:50000 > 10.1.1.1:49153 ttl 64 len 40 [ACK] ack 1609\n", line)
}

func TestTraceOpString(t *testing.T) {
	assert.Equal(t, "enqueue", TraceEnqueue.String())
	assert.Equal(t, "receive", TraceReceive.String())
	assert.Equal(t, "op-x", TraceOp('x').String())
}

func TestNilTraceManager(t *testing.T) {
	var tm *TraceManager
	assert.False(t, tm.Active())
	tm.AddName(1, "n1", "node")
	tm.addEvent(0, TraceEnqueue, traceDev(), udpPkt())
	tm.capture(0, traceDev(), udpPkt())
	assert.NoError(t, tm.WriteToFile("x.yaml"))
	assert.NoError(t, tm.Close())
}

func TestInactiveTraceManager(t *testing.T) {
	tm := CreateTraceManager("off", false)
	var buf bytes.Buffer
	tm.EnableAsciiWriter(&buf)
	tm.KeepRecords()
	tm.addEvent(0, TraceEnqueue, traceDev(), udpPkt())
	require.NoError(t, tm.Close())
	assert.Empty(t, buf.String())
	assert.Empty(t, tm.Traces)
}

func TestTraceManagerRecords(t *testing.T) {
	tm := CreateTraceManager("on", true)
	tm.AddName(2, "n2", "node")
	assert.Panics(t, func() { tm.AddName(2, "again", "node") })

	var buf bytes.Buffer
	tm.EnableAsciiWriter(&buf)
	tm.KeepRecords()
	dev := traceDev()
	tm.addEvent(time.Second, TraceEnqueue, dev, udpPkt())
	tm.addEvent(time.Second, TraceDequeue, dev, udpPkt())
	require.NoError(t, tm.Close())

	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
	require.Len(t, tm.Traces[2], 2)
	assert.Equal(t, "dequeue", tm.Traces[2][1].Op)
	assert.Equal(t, 1052, tm.Traces[2][1].Size)

	dir := t.TempDir()
	err := tm.WriteToFile(filepath.Join(dir, "trace.txt"))
	require.Error(t, err)

	filename := filepath.Join(dir, "trace.yaml")
	require.NoError(t, tm.WriteToFile(filename))
	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	var back TraceManager
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, "on", back.ExpName)
	assert.Equal(t, NameType{Name: "n2", Type: "node"}, back.NameByID[2])
	assert.Len(t, back.Traces[2], 2)
}

func TestPcapCapture(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "cap")
	tm := CreateTraceManager("pcap", true)
	tm.EnablePcap(prefix)
	dev := traceDev()
	tm.capture(1500*time.Millisecond, dev, udpPkt())
	tm.capture(1600*time.Millisecond, dev, udpPkt())
	require.NoError(t, tm.Close())

	f, err := os.Open(prefix + "-2-1.pcap")
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypePPP, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, int64(1500000000), ci.Timestamp.UnixNano())
	assert.Equal(t, 2+1052, ci.Length)

	pkt := gopacket.NewPacket(data, layers.LayerTypePPP, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "10.1.1.1", ip.SrcIP.String())
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, uint16(1052), ip.Length)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(8000), udp.DstPort)
	assert.Len(t, udp.Payload, 1024)

	_, _, err = r.ReadPacketData()
	require.NoError(t, err)
}
