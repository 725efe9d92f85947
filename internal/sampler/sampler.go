// Package sampler reduces oversized result sets to a balanced sample.
//
// Detections are stratified twice: first by the leading digit of their stock
// code (which on the TSE loosely tracks sector), then within each code range
// by market segment. Each range contributes at most maxPerRange detections,
// apportioned across its segments by the largest-remainder method, so the
// sample keeps both the sector mix and the segment mix of the population.
package sampler

import (
	"math/rand"
	"sort"

	"github.com/hfujita/kabuscreen/internal/models"
)

const (
	DefaultLimit       = 100
	DefaultMaxPerRange = 10
)

// Sampler draws a stratified sample from oversized detection sets.
type Sampler struct {
	limit       int
	maxPerRange int
	rnd         *rand.Rand
}

// New creates a sampler. The seed makes draws reproducible; runs use the
// trading date so the same inputs always sample identically.
func New(limit, maxPerRange int, seed int64) *Sampler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if maxPerRange <= 0 {
		maxPerRange = DefaultMaxPerRange
	}
	return &Sampler{
		limit:       limit,
		maxPerRange: maxPerRange,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

// Sample returns all detections when they fit under the limit, otherwise a
// stratified sample. Output preserves input order.
func (s *Sampler) Sample(detections []models.Detection) []models.Detection {
	if len(detections) <= s.limit {
		out := make([]models.Detection, len(detections))
		copy(out, detections)
		return out
	}

	// range key → segment → input positions.
	strata := make(map[string]map[string][]int)
	for i, d := range detections {
		key := RangeKey(d.Code)
		if strata[key] == nil {
			strata[key] = make(map[string][]int)
		}
		seg := string(d.Market)
		strata[key][seg] = append(strata[key][seg], i)
	}

	// Walk ranges and segments in sorted order so the RNG is consumed
	// deterministically for a given seed.
	rangeKeys := make([]string, 0, len(strata))
	for key := range strata {
		rangeKeys = append(rangeKeys, key)
	}
	sort.Strings(rangeKeys)

	var picked []int
	for _, key := range rangeKeys {
		segments := strata[key]

		counts := make(map[string]int, len(segments))
		total := 0
		for seg, idxs := range segments {
			counts[seg] = len(idxs)
			total += len(idxs)
		}
		target := s.maxPerRange
		if total < target {
			target = total
		}
		quotas := Allocate(counts, target)

		segKeys := make([]string, 0, len(segments))
		for seg := range segments {
			segKeys = append(segKeys, seg)
		}
		sort.Strings(segKeys)

		for _, seg := range segKeys {
			idxs := segments[seg]
			quota := quotas[seg]
			if quota >= len(idxs) {
				picked = append(picked, idxs...)
				continue
			}

			// Uniform draw without replacement.
			shuffled := make([]int, len(idxs))
			copy(shuffled, idxs)
			s.rnd.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			picked = append(picked, shuffled[:quota]...)
		}
	}

	sort.Ints(picked)
	out := make([]models.Detection, 0, len(picked))
	for _, i := range picked {
		out = append(out, detections[i])
	}
	return out
}

// RangeKey maps a stock code to its range stratum: "1000" through "9000" by
// leading digit. Codes shorter than four digits or not starting with a
// digit 1-9 go to "other".
func RangeKey(code string) string {
	if len(code) < 4 {
		return "other"
	}
	d := code[0]
	if d < '1' || d > '9' {
		return "other"
	}
	return string(d) + "000"
}

// Allocate apportions total across strata proportionally to their counts
// using the largest-remainder method: every stratum gets the floor of its
// exact share, then leftover seats go to the largest fractional remainders,
// never past a stratum's population. Ties break on stratum key ascending so
// allocation is deterministic.
func Allocate(counts map[string]int, total int) map[string]int {
	sum := 0
	for _, c := range counts {
		sum += c
	}
	out := make(map[string]int, len(counts))
	if sum == 0 || total <= 0 {
		return out
	}
	if sum <= total {
		for key, c := range counts {
			out[key] = c
		}
		return out
	}

	type share struct {
		key       string
		remainder float64
	}
	shares := make([]share, 0, len(counts))
	allocated := 0
	for key, c := range counts {
		exact := float64(c) * float64(total) / float64(sum)
		base := int(exact)
		out[key] = base
		allocated += base
		shares = append(shares, share{key: key, remainder: exact - float64(base)})
	}

	sort.Slice(shares, func(i, j int) bool {
		if shares[i].remainder != shares[j].remainder {
			return shares[i].remainder > shares[j].remainder
		}
		return shares[i].key < shares[j].key
	})

	for i := 0; allocated < total && i < len(shares); i++ {
		if out[shares[i].key] >= counts[shares[i].key] {
			continue
		}
		out[shares[i].key]++
		allocated++
	}
	return out
}
