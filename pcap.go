package p2pnet

import (
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

const pcapSnapLen = 65535

// pcapWriter synthesizes the wire image of simulated packets, as a PPP
// framed IPv4 datagram, and appends them to a capture file.  Payload bytes
// are zero.
type pcapWriter struct {
	file *os.File
	w    *pcapgo.Writer
	buf  gopacket.SerializeBuffer
}

func createPcapWriter(filename string) (*pcapWriter, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "opening pcap")
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypePPP); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "writing pcap header to %s", filename)
	}
	return &pcapWriter{file: f, w: w, buf: gopacket.NewSerializeBuffer()}, nil
}

// pcapLayers builds the layer stack for pkt
func pcapLayers(pkt *Packet) []gopacket.SerializableLayer {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      pkt.TTL,
		Id:       uint16(pkt.UID),
		SrcIP:    pkt.Src.AsSlice(),
		DstIP:    pkt.Dst.AsSlice(),
		Protocol: layers.IPProtocol(pkt.Proto),
	}
	ls := []gopacket.SerializableLayer{&layers.PPP{PPPType: layers.PPPTypeIPv4}, ip}

	switch pkt.Proto {
	case ProtoUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(pkt.SrcPort), DstPort: layers.UDPPort(pkt.DstPort)}
		_ = udp.SetNetworkLayerForChecksum(ip)
		ls = append(ls, udp)
	case ProtoTCP:
		tcp := &layers.TCP{
			SrcPort:    layers.TCPPort(pkt.SrcPort),
			DstPort:    layers.TCPPort(pkt.DstPort),
			Seq:        uint32(pkt.Seq),
			Ack:        uint32(pkt.Ack),
			ACK:        pkt.Flags&flagACK != 0,
			DataOffset: 5,
			Window:     defaultRcvWindow,
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		ls = append(ls, tcp)
	}
	if pkt.Payload > 0 {
		ls = append(ls, gopacket.Payload(make([]byte, pkt.Payload)))
	}
	return ls
}

// writePacket appends pkt, stamped with simulated time now
func (pw *pcapWriter) writePacket(now time.Duration, pkt *Packet) error {
	if err := pw.buf.Clear(); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(pw.buf, opts, pcapLayers(pkt)...); err != nil {
		return errors.Wrap(err, "serializing packet")
	}
	data := pw.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 0).Add(now).UTC(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return pw.w.WritePacket(ci, data)
}

func (pw *pcapWriter) close() error {
	return pw.file.Close()
}
