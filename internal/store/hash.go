package store

import "hash/fnv"

// ContentHash returns a fast 32-bit hash of document content. It only needs
// to answer "did the content genuinely change since the last successful
// sync", so FNV-1a is plenty.
func ContentHash(content string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(content))
	return h.Sum32()
}
