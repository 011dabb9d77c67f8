package p2pnet

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fromN0 = netip.MustParseAddrPort("10.1.1.1:49153")

func TestAccountingWindow(t *testing.T) {
	_, err := NewAccounting(time.Second, time.Second)
	require.ErrorIs(t, err, ErrBadWindow)
	_, err = NewAccounting(2*time.Second, time.Second)
	require.ErrorIs(t, err, ErrBadWindow)

	acct, err := NewAccounting(500*time.Millisecond, 50500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Second, acct.Window())
}

func TestSinkCounterSums(t *testing.T) {
	acct, err := NewAccounting(0, time.Second)
	require.NoError(t, err)
	sc := acct.Counter("a")
	require.Same(t, sc, acct.Counter("a"))

	var sum uint64
	for _, size := range []int{536, 536, 1, 0, 2000, 464} {
		sc.OnDataReceived("/NodeList/1/ApplicationList/0/Rx", size, fromN0)
		sum += uint64(size)
	}
	assert.Equal(t, sum, sc.Bytes())
	assert.Equal(t, uint64(6), sc.Units())
	assert.Equal(t, "a", sc.Tag())
}

func TestAccountingReport(t *testing.T) {
	acct, err := NewAccounting(500*time.Millisecond, 50500*time.Millisecond)
	require.NoError(t, err)
	fs := &fakeScheduler{}
	acct.SetClock(fs)

	n3 := acct.Counter("from-n3")
	n0 := acct.Counter("from-n0")
	for i := 0; i < 10; i++ {
		n0.OnDataReceived("ctx", 2000, fromN0)
	}

	expect := []Throughput{
		{Tag: "from-n3", Bytes: 0, Bps: 0},
		{Tag: "from-n0", Bytes: 20000, Bps: 3200},
	}
	if diff := cmp.Diff(expect, acct.Report()); diff != "" {
		t.Fatal(diff)
	}
	assert.InDelta(t, 0.0032, acct.Report()[1].Mbps(), 1e-12)
	assert.Zero(t, n3.Bytes())
}

func TestAccountingIndependentCounters(t *testing.T) {
	acct, err := NewAccounting(0, 10*time.Second)
	require.NoError(t, err)
	a, b := acct.Counter("a"), acct.Counter("b")

	// interleaving does not change the totals
	sizes := []int{100, 200, 300, 400, 500}
	for idx, size := range sizes {
		if idx%2 == 0 {
			a.OnDataReceived("a", size, netip.AddrPort{})
		} else {
			b.OnDataReceived("b", size, netip.AddrPort{})
		}
	}
	assert.Equal(t, uint64(900), a.Bytes())
	assert.Equal(t, uint64(600), b.Bytes())
}

func TestAccountingMetrics(t *testing.T) {
	m := NewMetrics()
	acct, err := NewAccounting(0, time.Second)
	require.NoError(t, err)
	early := acct.Counter("early")
	acct.Instrument(m)
	late := acct.Counter("late")

	early.OnDataReceived("early", 1000, fromN0)
	late.OnDataReceived("late", 24, fromN0)
	late.OnDataReceived("late", 24, fromN0)

	assert.Equal(t, 1000.0, testutil.ToFloat64(m.sinkBytes.WithLabelValues("early")))
	assert.Equal(t, 48.0, testutil.ToFloat64(m.sinkBytes.WithLabelValues("late")))
}

func TestRxObserverFunc(t *testing.T) {
	var got []string
	var obs RxObserver = RxObserverFunc(func(context string, size int, from netip.AddrPort) {
		got = append(got, context)
	})
	obs.OnDataReceived("x", 1, fromN0)
	assert.Equal(t, []string{"x"}, got)
}
