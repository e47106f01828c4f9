package pingstat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotEmptyCollectorReportsSentinel(t *testing.T) {
	c := NewSize(8)
	var s State
	snap := s.Update(c)
	require.Equal(t, -1.0, snap.Min)
	require.Equal(t, -1.0, snap.Median)
	require.Equal(t, -1.0, snap.P99)
	require.Equal(t, -1.0, snap.Mean)
}

func TestSnapshotOddSampleCount(t *testing.T) {
	c := NewSize(8)
	for _, v := range []float64{5, 1, 3} {
		c.AddValue(v)
	}
	var s State
	snap := s.Update(c)
	require.Equal(t, 1.0, snap.Min)
	require.Equal(t, 3.0, snap.Median)
	require.InDelta(t, 3.0, snap.Mean, 0.001)
}

func TestSnapshotEvenSampleCountAveragesMedianNeighbors(t *testing.T) {
	c := NewSize(8)
	for _, v := range []float64{10, 20, 30, 40} {
		c.AddValue(v)
	}
	var s State
	snap := s.Update(c)
	// sorted [10 20 30 40], idxMed = round(0.5*3) = round(1.5) = 2 -> sb[2]=30,
	// plus sb[1]=20, averaged -> 25
	require.Equal(t, 25.0, snap.Median)
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	c := NewSize(3)
	c.AddValue(1)
	c.AddValue(2)
	c.AddValue(3)
	c.AddValue(100) // overwrites the 1

	var s State
	snap := s.Update(c)
	require.Equal(t, 2.0, snap.Min)
}

func TestSentReceivedLostDelta(t *testing.T) {
	c := NewSize(8)
	c.Sent = 10
	c.AddValue(5)
	c.AddValue(5)

	var s State
	snap := s.Update(c)
	require.Equal(t, uint64(2), snap.Received)
	require.Equal(t, uint64(8), snap.Lost)

	c.Sent = 15
	c.AddValue(5)
	snap = s.Update(c)
	require.Equal(t, uint64(1), snap.Received)
	require.Equal(t, uint64(4), snap.Lost)
}
