package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceToPoints(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"0.45", 45},
		{"0.53", 53},
		{"0.5300", 53}, // L2: trailing zeros must round-trip to the same points
		{"1", 100},
		{"0", 0},
		{"0.01", 1},
		{"0.99", 99},
	}
	for _, c := range cases {
		got, err := PriceToPoints(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "PriceToPoints(%q)", c.in)
	}
}

func TestPriceToPoints_L2Equivalence(t *testing.T) {
	a, err := PriceToPoints("0.5300")
	require.NoError(t, err)
	b, err := PriceToPoints("0.53")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPriceToPoints_RejectsNonExactValues(t *testing.T) {
	_, err := PriceToPoints("0.451")
	assert.Error(t, err)
}

func TestPriceToPoints_RejectsEmpty(t *testing.T) {
	_, err := PriceToPoints("")
	assert.Error(t, err)
}

func TestPointsToPrice(t *testing.T) {
	assert.Equal(t, "0.45", PointsToPrice(45))
	assert.Equal(t, "1.00", PointsToPrice(100))
	assert.Equal(t, "0.00", PointsToPrice(0))
}

func TestFloorToTick(t *testing.T) {
	got, err := FloorToTick(45, 1)
	require.NoError(t, err)
	assert.Equal(t, 45, got)

	got, err = FloorToTick(47, 5)
	require.NoError(t, err)
	assert.Equal(t, 45, got)

	got, err = FloorToTick(-1, 5)
	require.NoError(t, err)
	assert.Equal(t, -5, got)
}

func TestFloorToTick_RejectsNonPositiveTick(t *testing.T) {
	_, err := FloorToTick(45, 0)
	assert.Error(t, err)
	_, err = FloorToTick(45, -1)
	assert.Error(t, err)
}

// TestFloorToTick_L1DistributiveLaw exercises (L1): floor_to_tick(x*k) ==
// k*floor_to_tick(x) for positive integer k, provided k*tick <= 99, with x
// on the tick grid. For an off-grid x the identity does not hold (tick 3,
// x 7, k 3: floor_to_tick(21) = 21 but 3*floor_to_tick(7) = 18).
func TestFloorToTick_L1DistributiveLaw(t *testing.T) {
	tick := 3
	x := 6
	for k := 1; k*tick <= 99; k++ {
		lhs, err := FloorToTick(x*k, tick)
		require.NoError(t, err)
		rhs0, err := FloorToTick(x, tick)
		require.NoError(t, err)
		assert.Equal(t, k*rhs0, lhs, "k=%d", k)
	}
}

func TestClampTrigger(t *testing.T) {
	assert.Equal(t, 1, ClampTrigger(0, 1))
	assert.Equal(t, 99, ClampTrigger(150, 1))
	assert.Equal(t, 50, ClampTrigger(50, 1))
	assert.Equal(t, 5, ClampTrigger(2, 5))
}

func TestMidpointPoints(t *testing.T) {
	assert.Equal(t, 45, MidpointPoints(44, 46))
	assert.Equal(t, 45, MidpointPoints(45, 46)) // floor(45.5) == 45
}
