// Package datamap holds the data map structure that describes how a logical
// byte stream maps onto encrypted chunks, its wire serialization, and the
// routine that encrypts a data map against a parent identity.
package datamap

// Chunk size constants. Part of the on-disk contract; these MUST match
// across every implementation that shares a chunk store.
const (
	MinChunk  = 1024
	MaxChunk  = 1024 * 1024
	MinChunks = 3
)

// PadSize is the length of the XOR obfuscation pad used by the chunk
// pipeline (selfencrypt package): 3*SHA512 digest size minus an AES-256 key
// and an AES IV. EncryptDataMap uses its own 64-byte pad instead.
const PadSize = 3*64 - 32 - 16
