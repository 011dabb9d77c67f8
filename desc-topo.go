package p2pnet

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// The descriptions in this file are pointer free so that a topology can be
// written to, and read back from, json or yaml.  BuildNetwork turns a TopoCfg
// into the run-time structures of net.go.

// NodeDesc describes a node.  Nodes are numbered in the order they appear.
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`
}

// LinkDesc describes a point-to-point link and the pair of devices it joins.
// The device on EndptA is assigned the first host address of the subnet,
// the one on EndptB the second.
type LinkDesc struct {
	// name for the link, unique in the topology
	Name string `json:"name" yaml:"name"`

	// names of the nodes at either end
	EndptA string `json:"endpta" yaml:"endpta"`
	EndptB string `json:"endptb" yaml:"endptb"`

	// propagation delay, in milliseconds
	DelayMs float64 `json:"delayms" yaml:"delayms"`

	// device transmission rate, in bits per second
	DataRate float64 `json:"datarate" yaml:"datarate"`

	// largest IP packet the devices will send, in bytes
	MTU int `json:"mtu" yaml:"mtu"`

	// packets the egress queue of each device holds before dropping
	QueueLimit int `json:"queuelimit" yaml:"queuelimit"`

	// subnet base address and mask, e.g. "10.1.1.0" and "255.255.255.0"
	Network string `json:"network" yaml:"network"`
	Mask    string `json:"mask" yaml:"mask"`
}

// application types understood by BuildNetwork
const (
	UdpServerApp = "udp-server"
	UdpClientApp = "udp-client"
	OnOffApp     = "onoff"
	SinkApp      = "sink"
)

var appTypes = []string{UdpServerApp, UdpClientApp, OnOffApp, SinkApp}

// AppDesc describes an application installed on a node.  Fields that do not
// apply to the application type are ignored.
type AppDesc struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	Node string `json:"node" yaml:"node"`

	// "udp" or "tcp" for onoff and sink
	Protocol string `json:"protocol" yaml:"protocol"`

	// address the application sends to (clients, sources)
	Remote string `json:"remote" yaml:"remote"`

	// port listened on (servers, sinks) or sent to (clients, sources)
	Port int `json:"port" yaml:"port"`

	// activity window, seconds of simulated time
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`

	// payload bytes per packet
	PacketSize int `json:"packetsize" yaml:"packetsize"`

	// udp-client only
	Interval   float64 `json:"interval" yaml:"interval"`
	MaxPackets int     `json:"maxpackets" yaml:"maxpackets"`

	// onoff only: sending rate in bps while on, on/off period lengths in
	// seconds, and "const" or "expon" for how periods are drawn
	DataRate   float64 `json:"datarate" yaml:"datarate"`
	OnTime     float64 `json:"ontime" yaml:"ontime"`
	OffTime    float64 `json:"offtime" yaml:"offtime"`
	OnOffModel string  `json:"onoffmodel" yaml:"onoffmodel"`
}

// TopoCfg is the complete, serializable description of an experiment's network
type TopoCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
	Apps  []AppDesc  `json:"apps" yaml:"apps"`
}

// Validate checks that every name a link or application refers to exists,
// that names are unique, and that link parameters are usable.
func (tc *TopoCfg) Validate() error {
	var errs []error
	nodes := []string{}
	for _, nd := range tc.Nodes {
		if slices.Contains(nodes, nd.Name) {
			errs = append(errs, fmt.Errorf("node %s declared twice", nd.Name))
			continue
		}
		nodes = append(nodes, nd.Name)
	}

	links := []string{}
	for _, ld := range tc.Links {
		if slices.Contains(links, ld.Name) {
			errs = append(errs, fmt.Errorf("link %s declared twice", ld.Name))
		}
		links = append(links, ld.Name)

		if !slices.Contains(nodes, ld.EndptA) || !slices.Contains(nodes, ld.EndptB) {
			errs = append(errs, fmt.Errorf("link %s joins unknown node", ld.Name))
		}
		if ld.EndptA == ld.EndptB {
			errs = append(errs, fmt.Errorf("link %s joins %s to itself", ld.Name, ld.EndptA))
		}
		if ld.DelayMs < 0 {
			errs = append(errs, fmt.Errorf("link %s has negative delay", ld.Name))
		}
		if !(ld.DataRate > 0) {
			errs = append(errs, fmt.Errorf("link %s needs a positive data rate", ld.Name))
		}
		if _, err := netip.ParseAddr(ld.Network); err != nil {
			errs = append(errs, fmt.Errorf("link %s network: %w", ld.Name, err))
		}
		if _, err := maskBits(ld.Mask); err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", ld.Name, err))
		}
	}

	for _, ad := range tc.Apps {
		if !slices.Contains(appTypes, ad.Type) {
			errs = append(errs, fmt.Errorf("application %s has unknown type %q", ad.Name, ad.Type))
		}
		if !slices.Contains(nodes, ad.Node) {
			errs = append(errs, fmt.Errorf("application %s installed on unknown node %s", ad.Name, ad.Node))
		}
		if ad.Stop < ad.Start {
			errs = append(errs, fmt.Errorf("application %s stops before it starts", ad.Name))
		}
		if ad.Type == UdpClientApp || ad.Type == OnOffApp {
			if _, err := netip.ParseAddr(ad.Remote); err != nil {
				errs = append(errs, fmt.Errorf("application %s remote: %w", ad.Name, err))
			}
		}
		if ad.Type == OnOffApp && (!(ad.OnTime > 0) || ad.OffTime < 0) {
			errs = append(errs, fmt.Errorf("application %s needs a positive on time and a non-negative off time", ad.Name))
		}
	}
	return ReportErrs(errs)
}

// WriteToFile serializes the TopoCfg and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (tc *TopoCfg) WriteToFile(filename string) error {
	// path extension of the output file determines whether we serialize to json or to yaml
	pathExt := strings.ToLower(path.Ext(filename))
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".yml":
		bytes, merr = yaml.Marshal(*tc)
	case ".json":
		bytes, merr = json.MarshalIndent(*tc, "", "\t")
	default:
		return fmt.Errorf("cannot tell the format of %s from its extension", filename)
	}
	if merr != nil {
		return errors.Wrap(merr, "serializing topology")
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Error returned if
// any part of the process generates the error.
func ReadTopoCfg(topoFileName string, useYAML bool, dict []byte) (*TopoCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, serr := os.Stat(topoFileName)
		if serr != nil || fileInfo.IsDir() {
			return nil, fmt.Errorf("topology %s does not exist or cannot be read", topoFileName)
		}
		dict, err = os.ReadFile(topoFileName)
		if err != nil {
			return nil, err
		}
	}

	example := TopoCfg{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing topology %s", topoFileName)
	}

	return &example, nil
}

// UseYAML tells from a file name's extension whether it holds yaml
func UseYAML(filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// TopoCfgFrame accumulates a topology in code, checking names as it goes
type TopoCfgFrame struct {
	cfg TopoCfg
}

// CreateTopoCfgFrame is a constructor
func CreateTopoCfgFrame(name string) *TopoCfgFrame {
	tf := new(TopoCfgFrame)
	tf.cfg.Name = name
	tf.cfg.Nodes = []NodeDesc{}
	tf.cfg.Links = []LinkDesc{}
	tf.cfg.Apps = []AppDesc{}
	return tf
}

// AddNodes appends nodes with the given names
func (tf *TopoCfgFrame) AddNodes(names ...string) {
	for _, name := range names {
		tf.cfg.Nodes = append(tf.cfg.Nodes, NodeDesc{Name: name})
	}
}

// Connect appends a link.  Zero MTU and QueueLimit get defaults.
func (tf *TopoCfgFrame) Connect(ld LinkDesc) {
	if ld.MTU == 0 {
		ld.MTU = defaultMTU
	}
	if ld.QueueLimit == 0 {
		ld.QueueLimit = defaultQueueLimit
	}
	if ld.Mask == "" {
		ld.Mask = "255.255.255.0"
	}
	tf.cfg.Links = append(tf.cfg.Links, ld)
}

// AddApp appends an application description
func (tf *TopoCfgFrame) AddApp(ad AppDesc) {
	tf.cfg.Apps = append(tf.cfg.Apps, ad)
}

// Transform validates the accumulated description and returns it
func (tf *TopoCfgFrame) Transform() (*TopoCfg, error) {
	tc := tf.cfg
	if err := tc.Validate(); err != nil {
		return nil, errors.Wrapf(err, "topology %s", tc.Name)
	}
	return &tc, nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckDirectories probes the file system for the existence
// of every directory listed in the list of files.  Returns a boolean
// indicating whether all dirs are valid, and returns an aggregated error
// if any checks failed.
func CheckDirectories(dirs []string) (bool, error) {
	failures := []error{}

	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}
		fileInfo, err := os.Stat(dir)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s not reachable", dir))
			continue
		}
		if !fileInfo.IsDir() {
			failures = append(failures, fmt.Errorf("%s not a directory", dir))
		}
	}
	if len(failures) == 0 {
		return true, nil
	}
	return false, ReportErrs(failures)
}

// CheckOutputFiles probes the file system to ensure that the directory of
// every named output file exists
func CheckOutputFiles(names []string) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		if len(name) == 0 {
			continue
		}

		// split off the directory portion of the path
		directory, _ := filepath.Split(name)
		if directory == "" {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return true, nil
	}
	return false, ReportErrs(errs)
}
