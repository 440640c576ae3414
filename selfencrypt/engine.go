package selfencrypt

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/selfencrypt/internal/xdebug"
	"github.com/kenneth/selfencrypt/selfencrypt/datamap"
	chunkstore "github.com/kenneth/selfencrypt/selfencrypt/store"
)

// Engine is the Self-Encryptor (§4.3): it orchestrates the chunk pipeline,
// sequencer, and read cache to present random-access read/write/truncate/
// flush over a data map. A single Engine is a single-writer session — see
// §5 for the concurrency contract this type assumes its caller honors
// beyond the internal mutex, which only guards against accidental
// concurrent calls, not true parallel writers.
type Engine struct {
	mu sync.Mutex

	store  chunkstore.ChunkStore
	logger *logrus.Logger

	dataMap         *datamap.DataMap
	originalDataMap *datamap.DataMap

	fileSize          uint64
	truncatedFileSize uint64
	normalChunkSize   uint32

	chunk0Raw          []byte
	chunk1Raw          []byte
	mainQueue          []byte
	queueStartPosition uint64

	sequencer *Sequencer
	readCache *ReadCache

	preparedForWriting bool
	flushed            bool
	closed             bool
	currentPosition    uint64

	cachedOriginalOffsets   []uint64
	cachedOriginalPreHashes [][64]byte

	pool *BufferPool
}

// Open returns a new Engine over dataMap (never fails; lazy — nothing is
// fetched from chunkStore until a read, a write to a chunk-backed file, or a
// flush needs it). A nil dataMap is
// treated as an empty file. A nil logger gets a discard logger.
func Open(dataMap *datamap.DataMap, chunkStore chunkstore.ChunkStore, logger *logrus.Logger) *Engine {
	if dataMap == nil {
		dataMap = &datamap.DataMap{}
	}
	if logger == nil {
		logger = discardLogger()
	}
	size := dataMap.Size()
	return &Engine{
		store:             chunkStore,
		logger:            logger,
		dataMap:           dataMap.Clone(),
		originalDataMap:   dataMap.Clone(),
		normalChunkSize:   datamap.MaxChunk,
		sequencer:         NewSequencer(),
		readCache:         NewReadCache(),
		pool:              NewBufferPool(),
		fileSize:          size,
		truncatedFileSize: size,
		flushed:           true,
	}
}

// BufferPoolMetrics returns hit/miss counters for the internal chunk/key/IV
// buffer pool, surfaced through internal/obsmetrics.
func (e *Engine) BufferPoolMetrics() BufferPoolMetrics {
	return e.pool.Metrics()
}

// ReadCacheHits and ReadCacheMisses expose the engine's read cache
// hit/miss counters (§4.5), surfaced through internal/obsmetrics as a hit
// ratio gauge.
func (e *Engine) ReadCacheHits() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readCache.Hits()
}

func (e *Engine) ReadCacheMisses() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readCache.Misses()
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Size returns the engine's current logical file size.
func (e *Engine) Size() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logicalSize()
}

func (e *Engine) logicalSize() uint64 {
	return e.fileSize
}

// DataMap returns a snapshot of the current data map.
func (e *Engine) DataMap() *datamap.DataMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dataMap.Clone()
}

// OriginalDataMap returns a snapshot of the data map as it was at Open.
func (e *Engine) OriginalDataMap() *datamap.DataMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.originalDataMap.Clone()
}

// Write overwrites (extending the logical file as needed) starting at
// position. Writes may arrive in any order; out-of-order or non-contiguous
// bytes are staged in the sequencer until flush.
func (e *Engine) Write(ctx context.Context, data []byte, position uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError("write", KindInvalidArgument, CodeInvalidPosition, fmt.Errorf("engine is closed"))
	}
	if len(data) == 0 {
		return nil
	}
	if !e.preparedForWriting {
		if err := e.prepareToWrite(ctx); err != nil {
			return err
		}
	}

	if end := position + uint64(len(data)); end > e.fileSize {
		e.fileSize = end
	}

	c0size := uint64(e.normalChunkSize)
	c1size := uint64(e.normalChunkSize)

	pos := position
	remaining := data
	for len(remaining) > 0 {
		switch {
		case pos < c0size:
			n := min(uint64(len(remaining)), c0size-pos)
			e.writeIntoBuffer(&e.chunk0Raw, pos, remaining[:n])
			e.sequencer.Clear(pos, pos+n)
			pos += n
			remaining = remaining[n:]
		case pos < c0size+c1size:
			rel := pos - c0size
			n := min(uint64(len(remaining)), c1size-rel)
			e.writeIntoBuffer(&e.chunk1Raw, rel, remaining[:n])
			e.sequencer.Clear(pos, pos+n)
			pos += n
			remaining = remaining[n:]
		case pos == e.queueStartPosition+uint64(len(e.mainQueue)):
			n := uint64(len(remaining))
			e.mainQueue = append(e.mainQueue, remaining[:n]...)
			e.sequencer.Clear(pos, pos+n)
			pos += n
			remaining = remaining[n:]
		case pos >= e.queueStartPosition && pos < e.queueStartPosition+uint64(len(e.mainQueue)):
			rel := pos - e.queueStartPosition
			n := min(uint64(len(remaining)), uint64(len(e.mainQueue))-rel)
			copy(e.mainQueue[rel:rel+n], remaining[:n])
			e.sequencer.Clear(pos, pos+n)
			pos += n
			remaining = remaining[n:]
		default:
			if err := e.sequencer.Add(pos, remaining); err != nil {
				return newError("write", KindInternal, CodeSequencerAddError, err)
			}
			remaining = nil
		}
	}
	e.currentPosition = position + uint64(len(data))
	e.flushed = false
	return nil
}

// prepareToWrite runs once per write session (latched by
// preparedForWriting). For an inline data map it moves the inline content
// into chunk0Raw so the buffer-routing logic in Write has somewhere to put
// early bytes. For a chunk-backed data map it decrypts the original logical
// bytes covering the chunk0Raw/chunk1Raw region (§4.3 step 1) so that a
// later sub-range write via writeIntoBuffer only overwrites the bytes the
// caller actually wrote, instead of growing chunk0Raw/chunk1Raw from nil and
// zero-filling the untouched leading bytes out from under the rest of the
// chunk. It deliberately does not eagerly mutate the chunk store — old
// chunks are only deleted once Flush commits a replacement data map.
func (e *Engine) prepareToWrite(ctx context.Context) error {
	e.preparedForWriting = true
	if e.normalChunkSize == 0 {
		e.normalChunkSize = datamap.MaxChunk
	}
	e.queueStartPosition = 2 * uint64(e.normalChunkSize)

	switch {
	case e.dataMap.HasInline():
		e.chunk0Raw = append([]byte(nil), e.dataMap.InlineContent...)
		e.dataMap.InlineContent = nil
	case len(e.originalDataMap.Chunks) > 0:
		originalSize := e.originalDataMap.Size()
		c0size := uint64(e.normalChunkSize)

		if n := min(originalSize, c0size); n > 0 {
			buf := make([]byte, n)
			if err := e.readOriginalRange(ctx, buf, 0); err != nil {
				return err
			}
			e.chunk0Raw = buf
		}
		if originalSize > c0size {
			if n := min(originalSize-c0size, c0size); n > 0 {
				buf := make([]byte, n)
				if err := e.readOriginalRange(ctx, buf, c0size); err != nil {
					return err
				}
				e.chunk1Raw = buf
			}
		}
	}
	return nil
}

func (e *Engine) writeIntoBuffer(buf *[]byte, offset uint64, data []byte) {
	need := offset + uint64(len(data))
	if uint64(len(*buf)) < need {
		grown := make([]byte, need)
		copy(grown, *buf)
		*buf = grown
	}
	copy((*buf)[offset:], data)
}

// Truncate grows (zero-filling) or shrinks the logical file to newSize.
func (e *Engine) Truncate(ctx context.Context, newSize uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError("truncate", KindInvalidArgument, CodeInvalidPosition, fmt.Errorf("engine is closed"))
	}
	e.truncatedFileSize = newSize
	e.fileSize = newSize
	e.flushed = false
	return nil
}

// Read fills out with len(out) bytes starting at position.
func (e *Engine) Read(ctx context.Context, out []byte, position uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	length := uint64(len(out))
	if position+length > e.logicalSize() {
		return errOutOfRange("read")
	}
	if length == 0 {
		return nil
	}
	return e.fillFromState(ctx, out, position)
}

// fillFromState fills out (covering absolute range
// [position, position+len(out))) from, in increasing priority: the
// original data map's content/chunks (base layer, possibly zero-filled
// past its extent), then chunk0Raw, chunk1Raw, mainQueue, and finally the
// sequencer's staged entries. Higher-priority layers overwrite lower ones
// wherever they overlap the requested range. This same helper backs both
// Read and Flush's full reconstruction.
func (e *Engine) fillFromState(ctx context.Context, out []byte, position uint64) error {
	if err := e.readOriginalRange(ctx, out, position); err != nil {
		return err
	}

	overlayRange(out, position, e.chunk0Raw, 0)
	overlayRange(out, position, e.chunk1Raw, uint64(e.normalChunkSize))
	overlayRange(out, position, e.mainQueue, e.queueStartPosition)
	for _, ent := range e.sequencer.Entries() {
		overlayRange(out, position, ent.Data, ent.Position)
	}
	return nil
}

// overlayRange copies the portion of data (an absolute byte range starting
// at dataPos) that intersects [outStart, outStart+len(out)) into out.
func overlayRange(out []byte, outStart uint64, data []byte, dataPos uint64) {
	if len(data) == 0 {
		return
	}
	outEnd := outStart + uint64(len(out))
	dataEnd := dataPos + uint64(len(data))
	lo := max(outStart, dataPos)
	hi := min(outEnd, dataEnd)
	if lo >= hi {
		return
	}
	copy(out[lo-outStart:hi-outStart], data[lo-dataPos:hi-dataPos])
}

// readOriginal serves up to len(out) bytes of the ORIGINAL (as of Open)
// data map's content starting at pos, zero-filling past its extent. It
// returns fewer bytes than requested when the next chunk boundary is
// reached; callers loop. The read cache is consulted/populated for
// chunk-backed data maps only (inline content is cheap enough to slice
// directly).
func (e *Engine) readOriginal(ctx context.Context, out []byte, pos uint64) (int, error) {
	if e.originalDataMap.HasInline() {
		content := e.originalDataMap.InlineContent
		if pos >= uint64(len(content)) {
			return zeroFill(out), nil
		}
		avail := uint64(len(content)) - pos
		n := min(uint64(len(out)), avail)
		copy(out[:n], content[pos:pos+n])
		return int(n), nil
	}

	chunks := e.originalDataMap.Chunks
	if len(chunks) == 0 {
		return zeroFill(out), nil
	}

	offsets := e.originalChunkOffsets()
	total := offsets[len(chunks)]
	if pos >= total {
		return zeroFill(out), nil
	}

	n := uint64(len(out))
	if e.readCache.Get(out, uint32(n), pos) {
		return int(n), nil
	}

	idx := sort.Search(len(chunks), func(i int) bool { return offsets[i+1] > pos })
	chunkStart := offsets[idx]
	plain, err := e.decryptOriginalChunk(ctx, idx)
	if err != nil {
		return 0, err
	}
	e.readCache.Put(plain, chunkStart)

	segOff := pos - chunkStart
	avail := uint64(len(plain)) - segOff
	take := min(n, avail)
	copy(out[:take], plain[segOff:segOff+take])
	e.pool.PutChunkBuffer(plain)
	return int(take), nil
}

// readOriginalRange fills out with the original data map's content starting
// at pos, looping readOriginal across chunk boundaries.
func (e *Engine) readOriginalRange(ctx context.Context, out []byte, pos uint64) error {
	length := uint64(len(out))
	for p := pos; p < pos+length; {
		n, err := e.readOriginal(ctx, out[p-pos:], p)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		p += uint64(n)
	}
	return nil
}

func zeroFill(out []byte) int {
	for i := range out {
		out[i] = 0
	}
	return len(out)
}

func (e *Engine) originalChunkOffsets() []uint64 {
	if e.cachedOriginalOffsets != nil {
		return e.cachedOriginalOffsets
	}
	chunks := e.originalDataMap.Chunks
	offsets := make([]uint64, len(chunks)+1)
	for i, c := range chunks {
		offsets[i+1] = offsets[i] + uint64(c.PreSize)
	}
	e.cachedOriginalOffsets = offsets
	return offsets
}

func (e *Engine) originalPreHashes() [][64]byte {
	if e.cachedOriginalPreHashes != nil {
		return e.cachedOriginalPreHashes
	}
	chunks := e.originalDataMap.Chunks
	out := make([][64]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c.PreHash
	}
	e.cachedOriginalPreHashes = out
	return out
}

// decryptOriginalChunk decrypts chunk idx into a buffer drawn from e.pool.
// Callers own the returned buffer and MUST return it with e.pool.PutChunkBuffer
// once they're done reading from it (it is not safe to retain past that).
func (e *Engine) decryptOriginalChunk(ctx context.Context, idx int) ([]byte, error) {
	chunks := e.originalDataMap.Chunks
	if chunks[idx].Algorithm != datamap.AlgorithmNone {
		return nil, newError("read", KindCorrupt, CodeDecryptionException,
			fmt.Errorf("chunk %d declares unsupported compression algorithm %d", idx, chunks[idx].Algorithm))
	}
	preHashes := e.originalPreHashes()
	key, iv, pad := chunkKeyIVPad(preHashes, idx)
	stored, err := e.store.Get(ctx, chunkstore.Key(chunks[idx].PostHash))
	if err != nil {
		return nil, newError("read", KindMissing, CodeMissingChunk, err)
	}
	dst := e.pool.GetChunkBuffer(len(stored))
	if err := decryptChunkInto(dst, stored, key, iv, pad, chunks[idx].PreHash); err != nil {
		e.pool.PutChunkBuffer(dst)
		return nil, err
	}
	return dst, nil
}

// Flush finalizes all pending writes: it recomputes pre-hashes, determines
// which chunks changed (directly, or by neighbor-pad ripple), (re)encrypts
// and stores only those, deletes chunks the new data map no longer
// references, and replaces the data map in place. Calling Flush twice with
// no intervening mutation is a no-op on the chunk store.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError("flush", KindInvalidArgument, CodeInvalidPosition, fmt.Errorf("engine is closed"))
	}
	if e.flushed {
		return nil
	}

	finalSize := e.logicalSize()

	if finalSize == 0 {
		for _, c := range e.originalDataMap.Chunks {
			_ = e.store.Delete(ctx, chunkstore.Key(c.PostHash))
		}
		e.dataMap = &datamap.DataMap{}
		e.commitFlush()
		return nil
	}

	buf := make([]byte, finalSize)
	if err := e.fillFromState(ctx, buf, 0); err != nil {
		return err
	}

	if finalSize < datamap.MinChunks*datamap.MinChunk {
		for _, c := range e.originalDataMap.Chunks {
			_ = e.store.Delete(ctx, chunkstore.Key(c.PostHash))
		}
		e.dataMap = &datamap.DataMap{InlineContent: buf}
		e.commitFlush()
		return nil
	}

	sizes := chunkSizesFor(finalSize)
	n := len(sizes)
	plains := make([][]byte, n)
	offset := uint64(0)
	for i, sz := range sizes {
		plains[i] = buf[offset : offset+uint64(sz)]
		offset += uint64(sz)
	}

	preHashes := make([][64]byte, n)
	for i, p := range plains {
		preHashes[i] = datamap.Sha512Sum(p)
	}

	oldChunks := e.originalDataMap.Chunks
	sameCount := len(oldChunks) == n

	changed := make(map[int]bool)
	for i := 0; i < n; i++ {
		if !sameCount || preHashes[i] != oldChunks[i].PreHash {
			changed[i] = true
		}
	}
	ripple := make(map[int]bool, len(changed)*3)
	for idx := range changed {
		ripple[idx] = true
		ripple[(idx+1)%n] = true
		ripple[(idx+2)%n] = true
	}
	rippleIdx := make([]int, 0, len(ripple))
	for idx := range ripple {
		rippleIdx = append(rippleIdx, idx)
	}
	sort.Ints(rippleIdx)

	if xdebug.Enabled() {
		e.logger.WithFields(logrus.Fields{
			"total_chunks":  n,
			"directly_changed": len(changed),
			"ripple_chunks": rippleIdx,
			"final_size":    finalSize,
		}).Debug("flush: re-encrypting chunks")
	}

	newDescriptors := make([]datamap.ChunkDescriptor, n)
	if sameCount {
		copy(newDescriptors, oldChunks)
	}
	for i := range newDescriptors {
		newDescriptors[i].PreHash = preHashes[i]
		newDescriptors[i].PreSize = uint32(len(plains[i]))
		newDescriptors[i].PreHashState = datamap.PreHashOk
		newDescriptors[i].StorageState = datamap.StorageStored
	}

	if err := e.encryptAndStoreParallel(ctx, rippleIdx, plains, preHashes, newDescriptors); err != nil {
		return err
	}

	keep := make(map[[64]byte]bool, len(newDescriptors))
	for _, d := range newDescriptors {
		keep[d.PostHash] = true
	}
	for _, old := range oldChunks {
		if !keep[old.PostHash] {
			_ = e.store.Delete(ctx, chunkstore.Key(old.PostHash))
		}
	}

	e.dataMap = &datamap.DataMap{Chunks: newDescriptors}
	e.commitFlush()
	return nil
}

// encryptAndStoreParallel runs the chunk pipeline's encrypt step over idxs
// on a worker pool sized to runtime.NumCPU(), matching the teacher's
// concurrency := runtime.NumCPU() channel/worker-pool pattern in
// chunkedEncryptReader.startPipeline — every pre-hash is already known
// (computed above), so each job is independent.
func (e *Engine) encryptAndStoreParallel(ctx context.Context, idxs []int, plains [][]byte, preHashes [][64]byte, descriptors []datamap.ChunkDescriptor) error {
	if len(idxs) == 0 {
		return nil
	}
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > len(idxs) {
		workers = len(idxs)
	}

	jobs := make(chan int)
	errs := make(chan error, len(idxs))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				key, iv, pad := chunkKeyIVPad(preHashes, idx)
				stored, postHash, err := encryptChunk(plains[idx], key, iv, pad)
				if err != nil {
					errs <- newError("flush", KindInternal, CodeEncryptionException, err)
					continue
				}
				if err := e.store.Put(ctx, chunkstore.Key(postHash), stored); err != nil {
					errs <- newError("flush", KindStoreIO, CodeFailedToStoreChunk, err)
					continue
				}
				descriptors[idx].PostHash = postHash
				descriptors[idx].Size = uint32(len(stored))
			}
		}()
	}
	for _, idx := range idxs {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commitFlush() {
	e.chunk0Raw = nil
	e.chunk1Raw = nil
	e.mainQueue = nil
	e.queueStartPosition = 0
	e.sequencer = NewSequencer()
	e.preparedForWriting = false
	e.cachedOriginalOffsets = nil
	e.cachedOriginalPreHashes = nil
	e.normalChunkSize = datamap.MaxChunk
	e.originalDataMap = e.dataMap.Clone()
	e.truncatedFileSize = e.fileSize
	e.flushed = true
}

// Close flushes and forbids further mutation.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
