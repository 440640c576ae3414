package selfencrypt

import (
	"bytes"
	"testing"

	"github.com/kenneth/selfencrypt/selfencrypt/datamap"
)

func TestChunkKeyIVPadLayout(t *testing.T) {
	preHashes := make([][64]byte, 3)
	for i := range preHashes {
		for j := range preHashes[i] {
			preHashes[i][j] = byte(i*10 + j%7)
		}
	}
	key, iv, pad := chunkKeyIVPad(preHashes, 0)
	if len(key) != 32 || len(iv) != 16 || len(pad) != datamap.PadSize {
		t.Fatalf("unexpected lengths: key=%d iv=%d pad=%d", len(key), len(iv), len(pad))
	}
	n1, n2 := 2, 1 // (0+3-1)%3=2, (0+3-2)%3=1
	if !bytes.Equal(key, preHashes[n1][0:32]) {
		t.Fatalf("key mismatch")
	}
	if !bytes.Equal(iv, preHashes[n1][32:48]) {
		t.Fatalf("iv mismatch")
	}
	if !bytes.Equal(pad[0:64], preHashes[n1][:]) {
		t.Fatalf("pad[0:64] mismatch")
	}
	if !bytes.Equal(pad[64:128], preHashes[0][:]) {
		t.Fatalf("pad[64:128] mismatch")
	}
	if !bytes.Equal(pad[128:144], preHashes[n2][48:64]) {
		t.Fatalf("pad[128:144] mismatch")
	}
}

func TestEncryptDecryptChunkRoundTrip(t *testing.T) {
	preHashes := make([][64]byte, 3)
	plaintexts := make([][]byte, 3)
	for i := range preHashes {
		plaintexts[i] = bytes.Repeat([]byte{byte(i + 1)}, 256)
		h := datamap.Sha512Sum(plaintexts[i])
		preHashes[i] = h
	}

	for i := 0; i < 3; i++ {
		key, iv, pad := chunkKeyIVPad(preHashes, i)
		stored, postHash, err := encryptChunk(plaintexts[i], key, iv, pad)
		if err != nil {
			t.Fatalf("encryptChunk(%d): %v", i, err)
		}
		if datamap.Sha512Sum(stored) != postHash {
			t.Fatalf("post hash mismatch for chunk %d", i)
		}
		got, err := decryptChunk(stored, key, iv, pad, preHashes[i])
		if err != nil {
			t.Fatalf("decryptChunk(%d): %v", i, err)
		}
		if !bytes.Equal(got, plaintexts[i]) {
			t.Fatalf("chunk %d round trip mismatch", i)
		}
	}
}

func TestDecryptChunkDetectsCorruption(t *testing.T) {
	preHashes := make([][64]byte, 3)
	plaintext := bytes.Repeat([]byte{0x42}, 128)
	for i := range preHashes {
		preHashes[i] = datamap.Sha512Sum(plaintext)
	}
	key, iv, pad := chunkKeyIVPad(preHashes, 0)
	stored, _, err := encryptChunk(plaintext, key, iv, pad)
	if err != nil {
		t.Fatalf("encryptChunk: %v", err)
	}
	stored[0] ^= 0xFF
	if _, err := decryptChunk(stored, key, iv, pad, preHashes[0]); err == nil {
		t.Fatal("expected corruption to be detected")
	}
}

func TestHomogeneousChunksProduceIdenticalPostHash(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x00}, datamap.MinChunk)
	preHash := datamap.Sha512Sum(plaintext)
	preHashes := [][64]byte{preHash, preHash, preHash}

	var firstPostHash [64]byte
	for i := 0; i < 3; i++ {
		key, iv, pad := chunkKeyIVPad(preHashes, i)
		stored, postHash, err := encryptChunk(plaintext, key, iv, pad)
		if err != nil {
			t.Fatalf("encryptChunk(%d): %v", i, err)
		}
		_ = stored
		if i == 0 {
			firstPostHash = postHash
		} else if postHash != firstPostHash {
			t.Fatalf("expected homogeneous chunks to converge to one post hash")
		}
	}
}
