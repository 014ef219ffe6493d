package common

import "hash/fnv"

// Hash64 returns the 64-bit FNV-1a hash of data, for non-cryptographic
// fingerprints. Flood de-duplication keys come from net.WireKey, not
// from this function.
func Hash64(data []byte) uint64 {
	h := fnv.New64a()

	h.Write(data)

	return h.Sum64()
}
