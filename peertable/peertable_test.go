package peertable

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", s)
	require.NoError(t, err)
	return addr
}

func TestRegisterReportsNewConnectionOnce(t *testing.T) {
	tbl := New(10 * time.Millisecond)

	var calls int
	tbl.NewConnection = func(cid uint8, p Peer) { calls++ }

	isNew, err := tbl.Register(3, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = tbl.Register(3, udpAddr(t, "1.2.3.4:5001"), PeerToPeer, "1.0")
	require.NoError(t, err)
	require.False(t, isNew)

	require.Equal(t, 1, calls)

	p, live := tbl.Get(3)
	require.True(t, live)
	require.Equal(t, 5001, p.Endpoint.Port)
}

func TestRegisterReannouncesOnModeChange(t *testing.T) {
	tbl := New(10 * time.Millisecond)

	var calls int
	tbl.NewConnection = func(cid uint8, p Peer) { calls++ }

	_, err := tbl.Register(3, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Same mode again: no re-announce.
	_, err = tbl.Register(3, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Mode changes while live: announced is cleared and the connection is
	// re-signalled even though ttl never reached zero.
	_, err = tbl.Register(3, udpAddr(t, "1.2.3.4:5000"), PeerToPeer|SendDownmix, "1.0")
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	p, live := tbl.Get(3)
	require.True(t, live)
	require.True(t, p.Announced)
}

func TestRegisterRejectsOutOfRangeCallerID(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	_, err := tbl.Register(32, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.Error(t, err)
}

func TestTTLExpiryFiresConnectionLost(t *testing.T) {
	tbl := New(2 * time.Millisecond)
	lost := make(chan uint8, 1)
	tbl.ConnectionLost = func(cid uint8) { lost <- cid }

	_, err := tbl.Register(1, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)

	// Force immediate expiry instead of waiting out all 120 ticks.
	tbl.mu.Lock()
	tbl.peers[1].Timeout = 1
	tbl.mu.Unlock()

	var wg sync.WaitGroup
	death := tbl.StartTTL(&wg)
	defer tbl.StopTTL()

	select {
	case cid := <-lost:
		require.Equal(t, uint8(1), cid)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection-lost callback")
	}

	_, live := tbl.Get(1)
	require.False(t, live)

	tbl.StopTTL()
	<-death
}

func TestTTLExpiresAfterExactly120Ticks(t *testing.T) {
	tbl := New(time.Millisecond)
	_, err := tbl.Register(7, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)

	for i := 0; i < timeoutTicks-1; i++ {
		tbl.tick()
		_, live := tbl.Get(7)
		require.Truef(t, live, "peer expired early, after %d ticks", i+1)
	}

	tbl.tick()
	_, live := tbl.Get(7)
	require.False(t, live, "peer should be expired after exactly %d ticks", timeoutTicks)
}

func TestRollupCadenceTracksPingPeriod(t *testing.T) {
	// One minute of wall-clock time, whatever the tick period.
	require.EqualValues(t, 120, New(500*time.Millisecond).rollupTicks())
	require.EqualValues(t, 1200, New(50*time.Millisecond).rollupTicks())
	require.EqualValues(t, 1, New(2*time.Minute).rollupTicks())
}

func TestRollupFiresOncePerRollupInterval(t *testing.T) {
	tbl := New(time.Minute) // one tick per rollup interval

	var reports int
	tbl.Latency = func(cid uint8, min, mean, max float64, received, lost uint32) { reports++ }

	_, err := tbl.Register(1, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)
	tbl.SetPingTime(1, 5)

	tbl.tick()
	require.Equal(t, 1, reports)

	// Accumulators were cleared, so a tick with no new samples reports
	// nothing.
	tbl.tick()
	require.Equal(t, 1, reports)
}

func TestSetPingTimeTracksMinMeanMax(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	_, err := tbl.Register(2, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)

	tbl.SetPingTime(2, 10)
	tbl.SetPingTime(2, 30)
	tbl.SetPingTime(2, 20)

	p, live := tbl.Get(2)
	require.True(t, live)
	require.Equal(t, 10.0, p.PingMin)
	require.Equal(t, 30.0, p.PingMax)
	require.Equal(t, uint32(3), p.PingN)
	require.InDelta(t, 20.0, p.PingSum/float64(p.PingN), 0.001)
}

func TestSetPubKeyRequiresRegisteredPeer(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	err := tbl.SetPubKey(5, make([]byte, PubKeyLen))
	require.Error(t, err)

	_, err = tbl.Register(5, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)

	err = tbl.SetPubKey(5, make([]byte, PubKeyLen))
	require.NoError(t, err)

	p, _ := tbl.Get(5)
	require.True(t, p.HasPubKey)
}

func TestSetPubKeyRejectsWrongLength(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	_, err := tbl.Register(5, udpAddr(t, "1.2.3.4:5000"), PeerToPeer, "1.0")
	require.NoError(t, err)

	err = tbl.SetPubKey(5, make([]byte, 10))
	require.Error(t, err)
}

func TestIsSameNetwork(t *testing.T) {
	a := udpAddr(t, "192.168.1.5:1000")
	b := udpAddr(t, "192.168.1.200:2000")
	c := udpAddr(t, "192.168.2.5:1000")

	require.True(t, IsSameNetwork(a, b))
	require.False(t, IsSameNetwork(a, c))
	require.False(t, IsSameNetwork(nil, b))
}

func TestDebugDumpIncludesRegisteredPeer(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	_, err := tbl.Register(4, udpAddr(t, "9.9.9.9:1000"), PeerToPeer, "2.0")
	require.NoError(t, err)

	dump := tbl.DebugDump()
	require.Contains(t, dump, "9.9.9.9")
}

func TestNumLive(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	require.Zero(t, tbl.NumLive())

	tbl.Register(0, udpAddr(t, "1.1.1.1:1"), PeerToPeer, "1.0")
	tbl.Register(1, udpAddr(t, "1.1.1.2:1"), PeerToPeer, "1.0")
	require.Equal(t, uint32(2), tbl.NumLive())
}
