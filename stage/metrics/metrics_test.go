package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterWithoutConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("ovlink")
	require.NoError(t, reg.Register(c))

	c.PeersLive.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(c.PeersLive))

	c.PacketsLost.WithLabelValues("7").Add(2)
	require.Equal(t, float64(2), testutil.ToFloat64(c.PacketsLost.WithLabelValues("7")))
}
