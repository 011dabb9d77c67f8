package p2pnet

// trace.go gathers the packet-level history of an experiment: an ascii
// event stream in the style of a classic network-simulator .tr file, per
// device pcap captures (pcap.go), and an optional in-memory record that can
// be dumped as yaml or json after the run.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TraceOp is the event code leading an ascii trace line
type TraceOp byte

const (
	TraceEnqueue TraceOp = '+'
	TraceDequeue TraceOp = '-'
	TraceDrop    TraceOp = 'd'
	TraceReceive TraceOp = 'r'
)

var traceOpToStr = map[TraceOp]string{TraceEnqueue: "enqueue", TraceDequeue: "dequeue",
	TraceDrop: "drop", TraceReceive: "receive"}

func (op TraceOp) String() string {
	str, present := traceOpToStr[op]
	if !present {
		return fmt.Sprintf("op-%c", op)
	}
	return str
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceRecord saves the passage of a packet through one point of a device
type TraceRecord struct {
	Time    float64 `json:"time" yaml:"time"`
	Op      string  `json:"op" yaml:"op"`
	Device  string  `json:"device" yaml:"device"`
	UID     uint64  `json:"uid" yaml:"uid"`
	Proto   string  `json:"proto" yaml:"proto"`
	Src     string  `json:"src" yaml:"src"`
	Dst     string  `json:"dst" yaml:"dst"`
	Size    int     `json:"size" yaml:"size"`
	Seq     uint64  `json:"seq,omitempty" yaml:"seq,omitempty"`
	Ack     uint64  `json:"ack,omitempty" yaml:"ack,omitempty"`
	Payload int     `json:"payload" yaml:"payload"`
}

// TraceManager gathers information about a simulation model and an
// execution of that model.  All of its methods may be called on a nil or
// inactive manager, so calls can sit on the packet path unconditionally.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records for this experiment, indexed by the id of the node the device is on
	Traces map[int][]TraceRecord `json:"traces" yaml:"traces"`

	keepRecords bool
	ascii       *bufio.Writer
	asciiFile   io.Closer
	pcapPrefix  string
	pcaps       map[*NetDevice]*pcapWriter
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceRecord)
	tm.pcaps = make(map[*NetDevice]*pcapWriter)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// KeepRecords has every traced event also saved in Traces, for WriteToFile
func (tm *TraceManager) KeepRecords() {
	tm.keepRecords = true
}

// EnableAscii opens filename and writes one line per traced event to it
func (tm *TraceManager) EnableAscii(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "opening ascii trace")
	}
	tm.EnableAsciiWriter(f)
	tm.asciiFile = f
	return nil
}

// EnableAsciiWriter writes traced events to w, which the manager does not close
func (tm *TraceManager) EnableAsciiWriter(w io.Writer) {
	tm.ascii = bufio.NewWriter(w)
}

// EnablePcap has every device capture the packets it sends and receives to
// <prefix>-<node>-<device>.pcap.  Files are created at a device's first packet.
func (tm *TraceManager) EnablePcap(prefix string) {
	tm.pcapPrefix = prefix
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	_, present := tm.NameByID[id]
	if present {
		panic("duplicated id in AddName")
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// addEvent records that pkt passed the point op of dev at time now
func (tm *TraceManager) addEvent(now time.Duration, op TraceOp, dev *NetDevice, pkt *Packet) {
	if !tm.Active() {
		return
	}
	if tm.ascii != nil {
		if _, err := tm.ascii.WriteString(asciiLine(now, op, dev, pkt)); err != nil {
			Logger.WithError(err).Error("ascii trace write failed, tracing stopped")
			tm.ascii = nil
		}
	}
	if tm.keepRecords {
		rec := TraceRecord{Time: now.Seconds(), Op: op.String(), Device: dev.Path(), UID: pkt.UID,
			Proto: pkt.Proto.String(), Src: pkt.Src.String(), Dst: pkt.Dst.String(), Size: pkt.Size(),
			Seq: pkt.Seq, Ack: pkt.Ack, Payload: pkt.Payload}
		tm.Traces[dev.node.id] = append(tm.Traces[dev.node.id], rec)
	}
}

// asciiLine formats one event, e.g.
// + 2.010666667 /NodeList/0/DeviceList/0 uid 3 udp 10.1.1.1:49153 > 10.1.1.2:8000 ttl 64 len 1052
func asciiLine(now time.Duration, op TraceOp, dev *NetDevice, pkt *Packet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%c %.9f %s uid %d %s %s:%d > %s:%d ttl %d len %d", op, now.Seconds(), dev.Path(),
		pkt.UID, pkt.Proto, pkt.Src, pkt.SrcPort, pkt.Dst, pkt.DstPort, pkt.TTL, pkt.Size())
	if pkt.Proto == ProtoTCP {
		if pkt.isAck() {
			fmt.Fprintf(&sb, " [ACK] ack %d", pkt.Ack)
		} else {
			fmt.Fprintf(&sb, " seq %d", pkt.Seq)
		}
	}
	sb.WriteByte('\n')
	return sb.String()
}

// capture writes pkt to dev's pcap file, if pcap is enabled
func (tm *TraceManager) capture(now time.Duration, dev *NetDevice, pkt *Packet) {
	if !tm.Active() || tm.pcapPrefix == "" {
		return
	}
	pw, present := tm.pcaps[dev]
	if !present {
		filename := fmt.Sprintf("%s-%d-%d.pcap", tm.pcapPrefix, dev.node.id, dev.index)
		var err error
		pw, err = createPcapWriter(filename)
		if err != nil {
			Logger.WithError(err).WithField("dev", dev.Path()).Error("pcap disabled for device")
		}
		// a nil writer marks the device as failed so creation is not retried
		tm.pcaps[dev] = pw
	}
	if pw == nil {
		return
	}
	if err := pw.writePacket(now, pkt); err != nil {
		Logger.WithFields(log.Fields{"dev": dev.Path(), "uid": pkt.UID}).WithError(err).Warn("pcap write failed")
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	pathExt := strings.ToLower(path.Ext(filename))
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".yml":
		bytes, merr = yaml.Marshal(*tm)
	case ".json":
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	default:
		return fmt.Errorf("cannot tell the format of %s from its extension", filename)
	}
	if merr != nil {
		return errors.Wrap(merr, "serializing trace")
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// Close flushes the ascii stream and closes every file the manager opened
func (tm *TraceManager) Close() error {
	if tm == nil {
		return nil
	}
	var errs []error
	if tm.ascii != nil {
		errs = append(errs, tm.ascii.Flush())
		tm.ascii = nil
	}
	if tm.asciiFile != nil {
		errs = append(errs, tm.asciiFile.Close())
		tm.asciiFile = nil
	}
	for dev, pw := range tm.pcaps {
		if pw != nil {
			errs = append(errs, pw.close())
		}
		delete(tm.pcaps, dev)
	}
	return ReportErrs(errs)
}
