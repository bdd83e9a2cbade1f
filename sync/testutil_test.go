package sync

import "github.com/warpsync/warpsync/core/types"

// newHash builds a deterministic test hash with the given byte repeated,
// so assertions read as a short literal instead of a 64-character hex blob.
func newHash(b byte) types.Hash {
	var h types.Hash
	for i := range h {
		h[i] = b
	}
	return h
}
