package udpsock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindReturnsConcretePort(t *testing.T) {
	ep, err := New()
	require.NoError(t, err)
	defer ep.Close()

	port, err := ep.Bind(0, true)
	require.NoError(t, err)
	require.NotZero(t, port)
	require.Equal(t, int(port), ep.LocalAddr().Port)
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Bind(0, true)
	require.NoError(t, err)

	b, err := New()
	require.NoError(t, err)
	defer b.Close()
	_, err = b.Bind(0, true)
	require.NoError(t, err)

	b.SetTimeout(200 * time.Millisecond)

	msg := []byte("stage datagram")
	n, err := a.SendTo(msg, b.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, 1500)
	n, from, err := b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.Equal(t, a.LocalAddr().Port, from.Port)

	require.Equal(t, uint64(len(msg)), a.TxBytes())
	require.Equal(t, uint64(len(msg)), b.RxBytes())
}

func TestSendToPortZeroIsNoop(t *testing.T) {
	ep, err := New()
	require.NoError(t, err)
	defer ep.Close()
	_, err = ep.Bind(0, true)
	require.NoError(t, err)

	require.NoError(t, ep.SetDestination("127.0.0.1"))

	n, err := ep.SendToPort([]byte("ignored"), 0)
	require.NoError(t, err)
	require.Equal(t, len("ignored"), n)
	require.Zero(t, ep.TxBytes())
}

func TestRecvTimeoutReturnsError(t *testing.T) {
	ep, err := New()
	require.NoError(t, err)
	defer ep.Close()
	_, err = ep.Bind(0, true)
	require.NoError(t, err)

	ep.SetTimeout(10 * time.Millisecond)

	buf := make([]byte, 64)
	_, _, err = ep.RecvFrom(buf)
	require.Error(t, err)
}

func TestSendLimiterAllowsBurstThenBlocks(t *testing.T) {
	lim := SendLimiter(50 * time.Millisecond)
	require.True(t, lim.Allow(), "first token should be available immediately")
	require.False(t, lim.Allow(), "second token should not be available yet")
}

func TestCloseIsIdempotent(t *testing.T) {
	ep, err := New()
	require.NoError(t, err)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err = ep.SendTo([]byte("x"), ep.LocalAddr())
	require.ErrorIs(t, err, ErrClosed)
}
