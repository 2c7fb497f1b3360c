// Package documents holds near-duplicate detection used by the Consolidation
// Engine: a Simhash fingerprint plus Hamming distance over it.
package documents

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// Distance returns the Hamming distance between two 64-bit hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Compute returns a 64-bit Simhash fingerprint of text, built by hashing
// overlapping 3-word shingles and summing their bit contributions (+1 for a
// set bit, -1 for an unset one) into 64 per-position counters, then taking
// the sign of each counter. Near-duplicate texts land a small Hamming
// distance apart; the Consolidation Engine uses it to settle pairs within
// its SimhashMaxDist as a keep-first supersede without calling the LLM judge.
func Compute(text string) uint64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	const shingleSize = 3
	var counts [64]int

	addShingle := func(s string) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(s))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				counts[bit]++
			} else {
				counts[bit]--
			}
		}
	}

	if len(words) < shingleSize {
		addShingle(strings.Join(words, " "))
	} else {
		for i := 0; i+shingleSize <= len(words); i++ {
			addShingle(strings.Join(words[i:i+shingleSize], " "))
		}
	}

	var out uint64
	for bit := 0; bit < 64; bit++ {
		if counts[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}
