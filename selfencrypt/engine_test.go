package selfencrypt

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/kenneth/selfencrypt/selfencrypt/datamap"
	chunkstore "github.com/kenneth/selfencrypt/selfencrypt/store"
)

func writeFlush(t *testing.T, e *Engine, data []byte, pos uint64) {
	t.Helper()
	ctx := context.Background()
	if err := e.Write(ctx, data, pos); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func readAt(t *testing.T, e *Engine, pos uint64, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if err := e.Read(context.Background(), out, pos); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return out
}

// Scenario 1 (§8): tiny file lives inline.
func TestTinyFileInline(t *testing.T) {
	ctx := context.Background()
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)

	writeFlush(t, e, []byte("abc"), 0)

	dm := e.DataMap()
	if !dm.HasInline() || len(dm.Chunks) != 0 {
		t.Fatalf("expected inline data map, got %+v", dm)
	}
	if string(dm.InlineContent) != "abc" {
		t.Fatalf("inline content = %q", dm.InlineContent)
	}

	fresh := Open(dm, store, nil)
	if got := readAt(t, fresh, 0, 3); string(got) != "abc" {
		t.Fatalf("read back = %q", got)
	}
	_ = ctx
}

// Scenario 2 (§8): exactly MIN_CHUNKS*MIN_CHUNK of homogeneous bytes
// produces 3 equal-size chunks whose post-hashes all converge to one key.
func TestThreeChunkMinimumHomogeneous(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)

	data := bytes.Repeat([]byte{0x5A}, datamap.MinChunks*datamap.MinChunk)
	writeFlush(t, e, data, 0)

	dm := e.DataMap()
	if len(dm.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(dm.Chunks))
	}
	for _, c := range dm.Chunks {
		if c.PreSize != datamap.MinChunk {
			t.Fatalf("expected pre_size %d, got %d", datamap.MinChunk, c.PreSize)
		}
	}
	first := dm.Chunks[0].PreHash
	for i, c := range dm.Chunks {
		if c.PreHash != first {
			t.Fatalf("chunk %d pre_hash differs for homogeneous input", i)
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected homogeneous chunks to converge to 1 stored key, got %d", store.Len())
	}
}

// Small-file inline boundary (§8).
func TestInlineBoundary(t *testing.T) {
	store := chunkstore.NewMemoryStore()

	below := Open(nil, store, nil)
	data := bytes.Repeat([]byte{1}, datamap.MinChunks*datamap.MinChunk-1)
	writeFlush(t, below, data, 0)
	if dm := below.DataMap(); len(dm.Chunks) != 0 || len(dm.InlineContent) != len(data) {
		t.Fatalf("expected inline content of length %d, got chunks=%d inline=%d",
			len(data), len(dm.Chunks), len(dm.InlineContent))
	}

	at := Open(nil, store, nil)
	data2 := bytes.Repeat([]byte{2}, datamap.MinChunks*datamap.MinChunk)
	writeFlush(t, at, data2, 0)
	if dm := at.DataMap(); len(dm.Chunks) != 3 || len(dm.InlineContent) != 0 {
		t.Fatalf("expected exactly 3 chunks and no inline content, got chunks=%d inline=%d",
			len(dm.Chunks), len(dm.InlineContent))
	}
}

// Scenario 3 (§8): cross-chunk read of random data.
func TestCrossChunkRead(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)

	size := 3 * datamap.MaxChunk
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)

	writeFlush(t, e, data, 0)

	fresh := Open(e.DataMap(), store, nil)
	start := datamap.MaxChunk / 2
	length := 2 * datamap.MaxChunk
	got := readAt(t, fresh, uint64(start), length)
	if !bytes.Equal(got, data[start:start+length]) {
		t.Fatal("cross-chunk read mismatch")
	}
}

// Scenario 4 (§8): out-of-order writes reconstruct the original bytes.
func TestOutOfOrderWrites(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)

	size := 4 * datamap.MinChunk
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(2))
	rng.Read(data)

	ctx := context.Background()
	if err := e.Write(ctx, data[100:200], 100); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(ctx, data[0:50], 0); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(ctx, data[50:100], 50); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(ctx, data[200:], 200); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	fresh := Open(e.DataMap(), store, nil)
	got := readAt(t, fresh, 0, size)
	if !bytes.Equal(got, data) {
		t.Fatal("out-of-order reconstruction mismatch")
	}
}

// Scenario 5 (§8): truncate-grow then partial overwrite, with zero-fill
// verified (the zero-plaintext dedup property is checked by
// TestZeroPlaintextDedup).
func TestTruncateGrowPartialOverwrite(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)
	ctx := context.Background()

	k := uint64(10)
	if err := e.Truncate(ctx, k*datamap.MaxChunk); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(ctx, []byte("x"), 5*datamap.MaxChunk); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if size := e.Size(); size != k*datamap.MaxChunk {
		t.Fatalf("expected size %d, got %d", k*datamap.MaxChunk, size)
	}

	fresh := Open(e.DataMap(), store, nil)
	if got := readAt(t, fresh, 5*datamap.MaxChunk, 1); got[0] != 'x' {
		t.Fatalf("expected 'x', got %q", got)
	}
	if got := readAt(t, fresh, 0, 1); got[0] != 0x00 {
		t.Fatalf("expected zero byte, got %v", got)
	}
}

// Zero-plaintext dedup (§8): truncating a fresh empty engine up to
// k*MAX_CHUNK and flushing stores at most 3 distinct chunk keys regardless
// of k.
func TestZeroPlaintextDedup(t *testing.T) {
	for _, k := range []uint64{5, 20} {
		store := chunkstore.NewMemoryStore()
		e := Open(nil, store, nil)
		ctx := context.Background()
		if err := e.Truncate(ctx, k*datamap.MaxChunk); err != nil {
			t.Fatal(err)
		}
		if err := e.Flush(ctx); err != nil {
			t.Fatal(err)
		}
		if n := store.Len(); n > 3 {
			t.Fatalf("k=%d: expected <=3 distinct stored chunks, got %d", k, n)
		}
		fresh := Open(e.DataMap(), store, nil)
		zero := make([]byte, datamap.MaxChunk)
		got := readAt(t, fresh, 2*datamap.MaxChunk, datamap.MaxChunk)
		if !bytes.Equal(got, zero) {
			t.Fatalf("k=%d: expected zero-filled middle chunk", k)
		}
	}
}

// Idempotence (§8): a second Flush with no intervening mutation performs
// zero chunk-store Put calls.
func TestFlushIdempotent(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)
	ctx := context.Background()

	data := bytes.Repeat([]byte{7}, 4*datamap.MinChunk)
	writeFlush(t, e, data, 0)

	before := store.Len()
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if after := store.Len(); after != before {
		t.Fatalf("second flush changed store size: %d -> %d", before, after)
	}
}

// Convergence (§8): two engines, independent stores, encrypting the same
// bytes produce data maps whose post-hash sequences are equal chunk for
// chunk.
func TestConvergence(t *testing.T) {
	data := make([]byte, 5*datamap.MinChunk)
	rng := rand.New(rand.NewSource(3))
	rng.Read(data)

	storeA := chunkstore.NewMemoryStore()
	eA := Open(nil, storeA, nil)
	writeFlush(t, eA, data, 0)

	storeB := chunkstore.NewMemoryStore()
	eB := Open(nil, storeB, nil)
	writeFlush(t, eB, data, 0)

	dmA, dmB := eA.DataMap(), eB.DataMap()
	if len(dmA.Chunks) != len(dmB.Chunks) {
		t.Fatalf("chunk count differs: %d vs %d", len(dmA.Chunks), len(dmB.Chunks))
	}
	for i := range dmA.Chunks {
		if dmA.Chunks[i].PostHash != dmB.Chunks[i].PostHash {
			t.Fatalf("chunk %d post_hash diverges between independent encryptions", i)
		}
	}
}

// Neighbor ripple (§8): writing inside chunk i and flushing re-stores
// exactly chunks i, i+1, i+2 (mod N); the rest keep their post-hash.
func TestNeighborRipple(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)

	n := 6
	data := make([]byte, uint64(n)*datamap.MaxChunk)
	rng := rand.New(rand.NewSource(4))
	rng.Read(data)
	writeFlush(t, e, data, 0)

	original := e.DataMap().Chunks
	if len(original) != n {
		t.Fatalf("expected %d chunks, got %d", n, len(original))
	}
	before := make([][64]byte, n)
	for i, c := range original {
		before[i] = c.PostHash
	}

	target := 2
	fresh := Open(e.DataMap(), store, nil)
	ctx := context.Background()
	patchPos := uint64(target)*datamap.MaxChunk + 10
	if err := fresh.Write(ctx, []byte{0xFF}, patchPos); err != nil {
		t.Fatal(err)
	}
	if err := fresh.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	after := fresh.DataMap().Chunks
	expectChanged := map[int]bool{target: true, (target + 1) % n: true, (target + 2) % n: true}
	for i := 0; i < n; i++ {
		changed := after[i].PostHash != before[i]
		if expectChanged[i] && !changed {
			t.Fatalf("expected chunk %d to ripple-change, it did not", i)
		}
		if !expectChanged[i] && changed {
			t.Fatalf("chunk %d changed unexpectedly (not in ripple set)", i)
		}
	}
}

// Reopen-and-patch (§4.3, §8): a partial overwrite at a non-zero in-chunk
// offset of a reopened, chunk-backed file must leave the untouched
// surrounding bytes at their original content, not zero. This is the
// chunk0Raw/chunk1Raw seeding path: prepareToWrite must decrypt the
// original chunk 0/1 content before writeIntoBuffer grows those buffers.
func TestReopenPartialOverwritePreservesSurroundingBytes(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)

	size := 3 * datamap.MaxChunk
	original := make([]byte, size)
	rng := rand.New(rand.NewSource(6))
	rng.Read(original)
	writeFlush(t, e, original, 0)

	fresh := Open(e.DataMap(), store, nil)
	ctx := context.Background()
	patch := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	patchPos := uint64(100)
	if err := fresh.Write(ctx, patch, patchPos); err != nil {
		t.Fatal(err)
	}
	if err := fresh.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	want := append([]byte(nil), original...)
	copy(want[patchPos:], patch)

	reread := Open(fresh.DataMap(), store, nil)
	got := readAt(t, reread, 0, size)
	if !bytes.Equal(got[:patchPos], want[:patchPos]) {
		t.Fatalf("bytes before patch offset corrupted: got %v, want %v", got[:patchPos], want[:patchPos])
	}
	if !bytes.Equal(got[patchPos:patchPos+uint64(len(patch))], patch) {
		t.Fatalf("patched bytes mismatch: got %v, want %v", got[patchPos:patchPos+uint64(len(patch))], patch)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("reopen-and-patch round trip mismatch")
	}
}

// Round trip over a random write partition issued in shuffled order.
func TestRoundTripRandomPartition(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)
	ctx := context.Background()

	size := 7*datamap.MinChunk + 777
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(5))
	rng.Read(data)

	const pieces = 11
	type write struct {
		pos uint64
		b   []byte
	}
	writes := make([]write, 0, pieces)
	step := size / pieces
	for i := 0; i < pieces; i++ {
		start := i * step
		end := start + step
		if i == pieces-1 {
			end = size
		}
		writes = append(writes, write{pos: uint64(start), b: data[start:end]})
	}
	rng.Shuffle(len(writes), func(i, j int) { writes[i], writes[j] = writes[j], writes[i] })

	for _, w := range writes {
		if err := e.Write(ctx, w.b, w.pos); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	fresh := Open(e.DataMap(), store, nil)
	got := readAt(t, fresh, 0, size)
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestReadOutOfRange(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	e := Open(nil, store, nil)
	writeFlush(t, e, []byte("hello"), 0)

	out := make([]byte, 10)
	err := e.Read(context.Background(), out, 0)
	if err == nil {
		t.Fatal("expected out-of-range error")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindInvalidArgument || serr.Code != CodeInvalidPosition {
		t.Fatalf("unexpected error: %v", err)
	}
}
