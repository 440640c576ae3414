package datamap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"fmt"
)

// Sha512Sum returns the SHA-512 digest of data. Every hash in this core is
// SHA-512; pre_hash is the hash of plaintext chunk bytes, post_hash the hash
// of encrypted chunk bytes.
func Sha512Sum(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// AESCFBEncrypt runs AES-256-CFB over plaintext with the given key/iv. key
// MUST be 32 bytes, iv 16 bytes (AES block size).
func AESCFBEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cfb encrypt: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes cfb encrypt: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	out := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plaintext)
	return out, nil
}

// AESCFBDecrypt is the inverse of AESCFBEncrypt.
func AESCFBDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	if err := AESCFBDecryptInto(out, key, iv, ciphertext); err != nil {
		return nil, err
	}
	return out, nil
}

// AESCFBDecryptInto is AESCFBDecrypt without the allocation: dst must have
// the same length as ciphertext, and may alias it (CFB's XORKeyStream
// supports fully-overlapping in-place src/dst). Used by the engine's
// pooled read path to avoid a fresh allocation per decrypted chunk.
func AESCFBDecryptInto(dst, key, iv, ciphertext []byte) error {
	if len(dst) != len(ciphertext) {
		return fmt.Errorf("aes cfb decrypt: dst length %d != ciphertext length %d", len(dst), len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes cfb decrypt: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("aes cfb decrypt: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(dst, ciphertext)
	return nil
}

// XORCyclic XORs data against pad, repeating pad cyclically, and returns a
// new slice. Used both by the chunk pipeline's 144-byte pad and the data map
// encryptor's 64-byte pad.
func XORCyclic(data, pad []byte) []byte {
	out := make([]byte, len(data))
	XORCyclicInto(out, data, pad)
	return out
}

// XORCyclicInto is XORCyclic without the allocation; dst must have the same
// length as data and may alias it.
func XORCyclicInto(dst, data, pad []byte) {
	n := len(pad)
	if n == 0 {
		copy(dst, data)
		return
	}
	for i, b := range data {
		dst[i] = b ^ pad[i%n]
	}
}
