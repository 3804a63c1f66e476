// Package allocation turns a question total and a per-source ratio map into integer
// per-source counts that always sum to the total.
package allocation

import (
	"fmt"
	"math"
	"sort"

	"tournament-engine/internal/domain"
)

// RatioTolerance is how far the ratio sum may drift from 1.0.
const RatioTolerance = 0.01

// Share is one source's target fraction.
type Share struct {
	Source domain.Source
	Ratio  float64
}

// Result is the outcome of fitting an allocation to available pools.
type Result struct {
	Counts    map[domain.Source]int
	Requested int
	Assigned  int
}

// Shortfall is how many questions could not be sourced.
func (r Result) Shortfall() int {
	return r.Requested - r.Assigned
}

// Ordered returns the shares sorted by ratio descending; ties keep domain.Sources order.
func Ordered(ratios map[domain.Source]float64) []Share {
	shares := make([]Share, 0, len(ratios))
	for source, ratio := range ratios {
		shares = append(shares, Share{Source: source, Ratio: ratio})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].Ratio != shares[j].Ratio {
			return shares[i].Ratio > shares[j].Ratio
		}
		return sourceRank(shares[i].Source) < sourceRank(shares[j].Source)
	})
	return shares
}

// Validate checks total and ratio map against the allocator contract.
func Validate(total int, ratios map[domain.Source]float64) error {
	if total <= 0 {
		return fmt.Errorf("total questions must be positive, got %d", total)
	}
	if len(ratios) == 0 {
		return fmt.Errorf("distribution is empty")
	}
	sum := 0.0
	for source, ratio := range ratios {
		if ratio < 0 || math.IsNaN(ratio) {
			return fmt.Errorf("ratio for %s must be non-negative", source)
		}
		sum += ratio
	}
	if math.Abs(sum-1.0) > RatioTolerance {
		return fmt.Errorf("ratios must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// Allocate splits total across sources with the largest-remainder method.
// Every source in ratios is present in the result, possibly with zero.
func Allocate(total int, ratios map[domain.Source]float64) (map[domain.Source]int, error) {
	if err := Validate(total, ratios); err != nil {
		return nil, err
	}

	sum := 0.0
	for _, ratio := range ratios {
		sum += ratio
	}

	shares := Ordered(ratios)
	counts := make(map[domain.Source]int, len(shares))
	remainders := make([]float64, len(shares))
	assigned := 0
	for i, share := range shares {
		// normalized so the floors never exceed total
		raw := float64(total) * share.Ratio / sum
		base := int(math.Floor(raw + 1e-9))
		counts[share.Source] = base
		remainders[i] = raw - float64(base)
		assigned += base
	}

	// largest remainder first; ties keep ratio order
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]+1e-9
	})
	for i := 0; assigned < total; i++ {
		counts[shares[order[i%len(order)]].Source]++
		assigned++
	}
	return counts, nil
}

// Fit caps each allocation at the source's available pool and moves the deficit to the
// remaining sources in ratio order. When every source is exhausted the result is partial
// and ErrPartialAllocation is returned alongside it.
func Fit(counts map[domain.Source]int, available map[domain.Source]int, ratios map[domain.Source]float64) (Result, error) {
	res := Result{Counts: make(map[domain.Source]int, len(counts))}
	deficit := 0
	for source, want := range counts {
		res.Requested += want
		got := want
		if avail := available[source]; avail < got {
			got = avail
		}
		if got < 0 {
			got = 0
		}
		res.Counts[source] = got
		res.Assigned += got
		deficit += want - got
	}

	for _, share := range Ordered(ratios) {
		if deficit == 0 {
			break
		}
		spare := available[share.Source] - res.Counts[share.Source]
		if spare <= 0 {
			continue
		}
		take := spare
		if take > deficit {
			take = deficit
		}
		res.Counts[share.Source] += take
		res.Assigned += take
		deficit -= take
	}

	if deficit > 0 {
		return res, fmt.Errorf("%w: assigned %d of %d", domain.ErrPartialAllocation, res.Assigned, res.Requested)
	}
	return res, nil
}

func sourceRank(source domain.Source) int {
	for i, s := range domain.Sources {
		if s == source {
			return i
		}
	}
	return len(domain.Sources)
}
