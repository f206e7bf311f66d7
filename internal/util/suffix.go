package util

import (
	"math"
	"slices"
)

// SuffixDivisor returns the smallest power of ten strictly greater than
// suffix, so that id%divisor isolates the trailing decimal digits of id.
// A suffix of 0 yields 10.
func SuffixDivisor(suffix uint64) uint64 {
	const maxPow10 = 10_000_000_000_000_000_000 // 1e19, largest power of ten in uint64
	if suffix >= maxPow10 {
		return math.MaxUint64
	}

	d := uint64(10)
	for d <= suffix {
		d *= 10
	}
	return d
}

// MatchSuffix returns the candidates whose decimal form ends in the digits
// of suffix, in ascending order.
func MatchSuffix[T ~uint64](candidates []T, suffix uint64) []T {
	div := SuffixDivisor(suffix)

	var out []T
	for _, c := range candidates {
		v := uint64(c)
		if div == math.MaxUint64 {
			if v == suffix {
				out = append(out, c)
			}
			continue
		}
		if v%div == suffix {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}
