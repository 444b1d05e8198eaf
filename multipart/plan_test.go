package multipart

import (
	"testing"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(sizes []int64) int64 {
	var total int64
	for _, s := range sizes {
		total += s
	}
	return total
}

func TestPlanParts_EvenSplit(t *testing.T) {
	sizes, err := planParts(64*units.MiB, 16*units.MiB)
	require.NoError(t, err)

	assert.Len(t, sizes, 4)
	for _, s := range sizes {
		assert.EqualValues(t, 16*units.MiB, s)
	}
}

func TestPlanParts_ShortLastPart(t *testing.T) {
	sizes, err := planParts(38*units.MiB, 16*units.MiB)
	require.NoError(t, err)

	assert.Equal(t, []int64{16 * units.MiB, 16 * units.MiB, 6 * units.MiB}, sizes)
}

// A trailing fragment below the minimum part size triggers rebalancing
// into near-equal parts.
func TestPlanParts_RebalancesUndersizedTail(t *testing.T) {
	total := int64(100 * units.MiB)
	sizes, err := planParts(total, 16*units.MiB)
	require.NoError(t, err)

	// ceil(100/16) = 7 parts, naive tail would be 4 MiB.
	assert.Len(t, sizes, 7)
	assert.EqualValues(t, total, sum(sizes))
	for _, s := range sizes {
		assert.GreaterOrEqual(t, s, int64(MinPartSize))
		assert.InDelta(t, total/7, s, 1)
	}
}

// When even equal parts would fall below the minimum, the part count
// shrinks instead.
func TestPlanParts_ShrinksPartCount(t *testing.T) {
	total := int64(12 * units.MiB)
	sizes, err := planParts(total, 5*units.MiB)
	require.NoError(t, err)

	assert.Equal(t, []int64{6 * units.MiB, 6 * units.MiB}, sizes)
}

func TestPlanParts_CollapsesToSinglePart(t *testing.T) {
	total := int64(5*units.MiB + 1)
	sizes, err := planParts(total, 5*units.MiB)
	require.NoError(t, err)

	assert.Equal(t, []int64{total}, sizes)
}

func TestPlanParts_ClampsPartSize(t *testing.T) {
	sizes, err := planParts(20*units.MiB, 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{5 * units.MiB, 5 * units.MiB, 5 * units.MiB, 5 * units.MiB}, sizes)
}

func TestPlanParts_GrowsPartSizeForHugePayloads(t *testing.T) {
	total := int64(10001 * 5 * units.MiB)
	sizes, err := planParts(total, 5*units.MiB)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(sizes), MaxPartCount)
	assert.EqualValues(t, total, sum(sizes))
	for _, s := range sizes[:len(sizes)-1] {
		assert.GreaterOrEqual(t, s, int64(MinPartSize))
	}
}

func TestPlanParts_EdgeCases(t *testing.T) {
	sizes, err := planParts(0, 16*units.MiB)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, sizes)

	_, err = planParts(-1, 16*units.MiB)
	assert.Error(t, err)
}

func TestOptimalPartSize(t *testing.T) {
	assert.EqualValues(t, DefaultPartSize, OptimalPartSize(units.MiB, 8))

	// 8 GiB over 8 workers halves the 1 GiB parts.
	assert.EqualValues(t, 512*units.MiB, OptimalPartSize(8*units.GiB, 8))

	assert.LessOrEqual(t, OptimalPartSize(50*units.TiB, 1), int64(MaxPartSize))
}
