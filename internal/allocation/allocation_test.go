package allocation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-engine/internal/domain"
)

const (
	srcA = domain.SourceExamYearA
	srcB = domain.SourceExamYearB
	srcC = domain.SourceValidated
)

func fortyFortyTwenty() map[domain.Source]float64 {
	return map[domain.Source]float64{srcA: 0.4, srcB: 0.4, srcC: 0.2}
}

func sum(counts map[domain.Source]int) int {
	total := 0
	for _, c := range counts {
		total += c
	}
	return total
}

func TestAllocate_ExactSplit(t *testing.T) {
	counts, err := Allocate(10, fortyFortyTwenty())
	require.NoError(t, err)
	assert.Equal(t, map[domain.Source]int{srcA: 4, srcB: 4, srcC: 2}, counts)
}

func TestAllocate_LargestRemainderGoesToLargestFractions(t *testing.T) {
	counts, err := Allocate(7, fortyFortyTwenty())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[srcA])
	assert.Equal(t, 3, counts[srcB])
	assert.Equal(t, 1, counts[srcC])
}

func TestAllocate_TotalSmallerThanSources(t *testing.T) {
	counts, err := Allocate(2, fortyFortyTwenty())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[srcA])
	assert.Equal(t, 1, counts[srcB])
	assert.Equal(t, 0, counts[srcC])

	counts, err = Allocate(1, map[domain.Source]float64{srcA: 0.2, srcB: 0.5, srcC: 0.3})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[srcB])
	assert.Equal(t, 1, sum(counts))
}

func TestAllocate_SumsToTotalForManyInputs(t *testing.T) {
	distributions := []map[domain.Source]float64{
		fortyFortyTwenty(),
		{srcA: 1.0 / 3, srcB: 1.0 / 3, srcC: 1.0 / 3},
		{srcA: 0.5, srcB: 0.5},
		{srcA: 0.995, srcB: 0.01},
		{srcA: 0.7, srcB: 0.2, srcC: 0.1},
		{srcA: 1},
	}
	for _, ratios := range distributions {
		for total := 1; total <= 100; total++ {
			counts, err := Allocate(total, ratios)
			require.NoError(t, err)
			assert.Equal(t, total, sum(counts), "total=%d ratios=%v", total, ratios)
			for source, c := range counts {
				assert.GreaterOrEqual(t, c, 0, "negative allocation for %s", source)
			}
		}
	}
}

func TestAllocate_RejectsInvalidInput(t *testing.T) {
	_, err := Allocate(0, fortyFortyTwenty())
	assert.Error(t, err)

	_, err = Allocate(5, map[domain.Source]float64{srcA: 0.5, srcB: 0.2})
	assert.Error(t, err)

	_, err = Allocate(5, map[domain.Source]float64{srcA: 1.2, srcB: -0.2})
	assert.Error(t, err)

	_, err = Allocate(5, nil)
	assert.Error(t, err)
}

func TestFit_RedistributesDeficitInRatioOrder(t *testing.T) {
	counts := map[domain.Source]int{srcA: 4, srcB: 4, srcC: 2}
	available := map[domain.Source]int{srcA: 1, srcB: 10, srcC: 10}

	res, err := Fit(counts, available, fortyFortyTwenty())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Assigned)
	assert.Equal(t, 1, res.Counts[srcA])
	// A and B tie on ratio; B comes first after A in source order and absorbs the whole deficit
	assert.Equal(t, 7, res.Counts[srcB])
	assert.Equal(t, 2, res.Counts[srcC])
}

func TestFit_PartialWhenAllSourcesExhausted(t *testing.T) {
	counts := map[domain.Source]int{srcA: 4, srcB: 4, srcC: 2}
	available := map[domain.Source]int{srcA: 2, srcB: 3, srcC: 1}

	res, err := Fit(counts, available, fortyFortyTwenty())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPartialAllocation))
	assert.Equal(t, 6, res.Assigned)
	assert.Equal(t, 4, res.Shortfall())
}

func TestPreset(t *testing.T) {
	all, err := Preset("all")
	require.NoError(t, err)
	assert.Equal(t, fortyFortyTwenty(), all)

	both, err := Preset("BOTH")
	require.NoError(t, err)
	assert.Len(t, both, 2)

	_, err = Preset("nope")
	assert.Error(t, err)
}

func TestParseDistribution(t *testing.T) {
	ratios, err := ParseDistribution(`exam_2018=0.4, examen2024=0.4, "validquestion=0.2"`)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, ratios[srcA], 1e-9)
	assert.InDelta(t, 0.4, ratios[srcB], 1e-9)
	assert.InDelta(t, 0.2, ratios[srcC], 1e-9)

	_, err = ParseDistribution("exam_2018")
	assert.Error(t, err)
}

func TestResolveSource_FuzzyMatch(t *testing.T) {
	source, err := ResolveSource("examen18")
	require.NoError(t, err)
	assert.Equal(t, srcA, source)

	source, err = ResolveSource("VALID")
	require.NoError(t, err)
	assert.Equal(t, srcC, source)

	_, err = ResolveSource("zzzz")
	assert.Error(t, err)
}
