package p2pnet

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopoCfgRoundTrip(t *testing.T) {
	tc, err := DelayRampTopology(DefaultDelayRampConfig())
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"topo.yaml", "topo.json"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, tc.WriteToFile(filename))

		back, err := ReadTopoCfg(filename, UseYAML(filename), nil)
		require.NoError(t, err)
		if diff := cmp.Diff(tc, back); diff != "" {
			t.Fatalf("%s: %s", name, diff)
		}
	}

	assert.Error(t, tc.WriteToFile(filepath.Join(dir, "topo.txt")))
	_, err = ReadTopoCfg(filepath.Join(dir, "missing.yaml"), true, nil)
	assert.Error(t, err)
}

func TestReadTopoCfgFromBytes(t *testing.T) {
	dict := []byte(`
name: tiny
nodes:
  - name: a
  - name: b
links:
  - name: a-b
    endpta: a
    endptb: b
    delayms: 2
    datarate: 5000000
    mtu: 1400
    queuelimit: 100
    network: 10.1.1.0
    mask: 255.255.255.0
`)
	tc, err := ReadTopoCfg("", true, dict)
	require.NoError(t, err)
	require.NoError(t, tc.Validate())
	assert.Equal(t, "tiny", tc.Name)
	require.Len(t, tc.Links, 1)
	assert.Equal(t, 1400, tc.Links[0].MTU)
}

func TestTopoCfgValidate(t *testing.T) {
	tf := CreateTopoCfgFrame("bad")
	tf.AddNodes("a", "b", "a")
	tf.Connect(LinkDesc{Name: "l", EndptA: "a", EndptB: "c", DataRate: 1e6, Network: "10.0.0.0"})
	tf.Connect(LinkDesc{Name: "l", EndptA: "b", EndptB: "b", DelayMs: -1, Network: "nowhere"})
	tf.AddApp(AppDesc{Name: "x", Type: "ftp", Node: "z", Start: 2, Stop: 1})
	tf.AddApp(AppDesc{Name: "y", Type: UdpClientApp, Node: "a", Remote: "bogus"})
	_, err := tf.Transform()
	require.Error(t, err)

	msg := err.Error()
	for _, part := range []string{"node a declared twice", "link l declared twice", "unknown node",
		"to itself", "negative delay", "positive data rate", "unknown type", "unknown node z",
		"stops before it starts", "application y remote"} {
		assert.Contains(t, msg, part)
	}
}

func TestFrameDefaults(t *testing.T) {
	tf := CreateTopoCfgFrame("d")
	tf.AddNodes("a", "b")
	tf.Connect(LinkDesc{Name: "a-b", EndptA: "a", EndptB: "b", DataRate: 1e6, Network: "10.9.0.0"})
	tc, err := tf.Transform()
	require.NoError(t, err)
	assert.Equal(t, defaultMTU, tc.Links[0].MTU)
	assert.Equal(t, defaultQueueLimit, tc.Links[0].QueueLimit)
	assert.Equal(t, "255.255.255.0", tc.Links[0].Mask)
}

func TestCheckDirectories(t *testing.T) {
	dir := t.TempDir()
	ok, err := CheckDirectories([]string{dir, ""})
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = CheckDirectories([]string{filepath.Join(dir, "nope")})
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = CheckOutputFiles([]string{filepath.Join(dir, "out.tr"), "local.tr"})
	assert.True(t, ok)
	assert.NoError(t, err)
	ok, _ = CheckOutputFiles([]string{filepath.Join(dir, "nope", "out.tr")})
	assert.False(t, ok)
}
