package selfencrypt

import (
	"fmt"

	"github.com/kenneth/selfencrypt/selfencrypt/datamap"
)

// chunkKeyIVPad derives the AES-256 key, IV, and 144-byte XOR pad for chunk
// index i from its two neighbors' pre-hashes (§4.2). preHashes is indexed by
// chunk position; n1 = (i+N-1)%N, n2 = (i+N-2)%N.
func chunkKeyIVPad(preHashes [][64]byte, i int) (key, iv, pad []byte) {
	n := len(preHashes)
	n1 := (i + n - 1) % n
	n2 := (i + n - 2) % n

	pad = make([]byte, datamap.PadSize)
	copy(pad[0:64], preHashes[n1][:])
	copy(pad[64:128], preHashes[i][:])
	copy(pad[128:144], preHashes[n2][48:64])

	key = append([]byte(nil), preHashes[n1][0:32]...)
	iv = append([]byte(nil), preHashes[n1][32:48]...)
	return key, iv, pad
}

// encryptChunk turns plaintext into stored bytes: AES-256-CFB with
// (key, iv), then XOR against pad cyclically. Returns the stored bytes and
// their SHA-512 post-hash (the chunk store key).
func encryptChunk(plaintext, key, iv, pad []byte) (stored []byte, postHash [64]byte, err error) {
	ciphertext, err := datamap.AESCFBEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, postHash, fmt.Errorf("encrypt chunk: %w", err)
	}
	stored = datamap.XORCyclic(ciphertext, pad)
	postHash = datamap.Sha512Sum(stored)
	return stored, postHash, nil
}

// decryptChunk is the inverse of encryptChunk: XOR against pad, then
// AES-256-CFB decrypt, then verify the result hashes to preHash.
func decryptChunk(stored, key, iv, pad []byte, preHash [64]byte) ([]byte, error) {
	ciphertext := datamap.XORCyclic(stored, pad)
	plaintext, err := datamap.AESCFBDecrypt(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk: %w", err)
	}
	if datamap.Sha512Sum(plaintext) != preHash {
		return nil, newError("decrypt chunk", KindCorrupt, CodeDecryptionException,
			fmt.Errorf("decrypted chunk does not hash to its recorded pre_hash"))
	}
	return plaintext, nil
}

// decryptChunkInto is decryptChunk without the two intermediate allocations:
// dst must have the same length as stored and receives the plaintext
// in-place. Used by the engine's read path with a pool-provided buffer.
func decryptChunkInto(dst, stored, key, iv, pad []byte, preHash [64]byte) error {
	if len(dst) != len(stored) {
		return fmt.Errorf("decrypt chunk into: dst length %d != stored length %d", len(dst), len(stored))
	}
	datamap.XORCyclicInto(dst, stored, pad)
	if err := datamap.AESCFBDecryptInto(dst, key, iv, dst); err != nil {
		return fmt.Errorf("decrypt chunk: %w", err)
	}
	if datamap.Sha512Sum(dst) != preHash {
		return newError("decrypt chunk", KindCorrupt, CodeDecryptionException,
			fmt.Errorf("decrypted chunk does not hash to its recorded pre_hash"))
	}
	return nil
}
