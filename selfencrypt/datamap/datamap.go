package datamap

import "fmt"

// PreHashState indicates whether a ChunkDescriptor's PreHash reflects the
// chunk's current buffered/plaintext content.
type PreHashState uint8

const (
	PreHashEmpty PreHashState = iota
	PreHashOutdated
	PreHashOk
)

// StorageState indicates whether a chunk has been committed to the chunk
// store.
type StorageState uint8

const (
	StorageStored StorageState = iota
	StoragePending
	StorageUnstored
)

// CompressionAlgorithm is reserved on the wire for future extension. Version
// 0 of this core always writes AlgorithmNone; any other value on read fails
// chunk decryption with a corrupt-kind error rather than being silently
// skipped.
type CompressionAlgorithm uint8

const (
	AlgorithmNone CompressionAlgorithm = 0
	AlgorithmGzip CompressionAlgorithm = 1
)

// ChunkDescriptor records everything the engine needs to find, decrypt, and
// verify one chunk without touching the chunk store.
type ChunkDescriptor struct {
	PreHash       [64]byte
	PostHash      [64]byte
	Size          uint32
	PreSize       uint32
	PreHashState  PreHashState
	StorageState  StorageState
	Algorithm     CompressionAlgorithm
}

// DataMap holds either inline content for small files or an ordered list of
// chunk descriptors for larger ones. Exactly one of the two is populated at
// any time; IsEmpty is true iff both are empty.
type DataMap struct {
	InlineContent []byte
	Chunks        []ChunkDescriptor
}

// IsEmpty reports whether the data map describes a zero-length file.
func (dm *DataMap) IsEmpty() bool {
	return len(dm.InlineContent) == 0 && len(dm.Chunks) == 0
}

// HasInline reports whether the file's content lives inline rather than in
// chunks.
func (dm *DataMap) HasInline() bool {
	return len(dm.Chunks) == 0 && len(dm.InlineContent) > 0
}

// Size returns the data map's logical file size: InlineContent's length if
// inline, else the sum of every descriptor's PreSize.
func (dm *DataMap) Size() uint64 {
	if dm.HasInline() {
		return uint64(len(dm.InlineContent))
	}
	var total uint64
	for _, c := range dm.Chunks {
		total += uint64(c.PreSize)
	}
	return total
}

// Validate checks the structural invariants from the data model: chunk
// lists are either empty or at least MinChunks long, and no descriptor's
// plaintext size exceeds MaxChunk.
func (dm *DataMap) Validate() error {
	if len(dm.Chunks) > 0 {
		if len(dm.InlineContent) > 0 {
			return fmt.Errorf("datamap: inline content and chunks both populated")
		}
		if len(dm.Chunks) < MinChunks {
			return fmt.Errorf("datamap: chunk list has %d entries, need at least %d", len(dm.Chunks), MinChunks)
		}
		for i, c := range dm.Chunks {
			if c.PreSize > MaxChunk {
				return fmt.Errorf("datamap: chunk %d pre_size %d exceeds MAX_CHUNK", i, c.PreSize)
			}
		}
	}
	return nil
}

// Clone returns a deep copy, used by the engine to snapshot the data map at
// open time (original_data_map) and after a successful flush.
func (dm *DataMap) Clone() *DataMap {
	if dm == nil {
		return &DataMap{}
	}
	out := &DataMap{}
	if len(dm.InlineContent) > 0 {
		out.InlineContent = append([]byte(nil), dm.InlineContent...)
	}
	if len(dm.Chunks) > 0 {
		out.Chunks = append([]ChunkDescriptor(nil), dm.Chunks...)
	}
	return out
}

// Equal reports whether two data maps describe the same content: same
// inline bytes, or chunk lists whose hashes/sizes match position for
// position.
func (dm *DataMap) Equal(other *DataMap) bool {
	if dm == nil || other == nil {
		return dm == other
	}
	if string(dm.InlineContent) != string(other.InlineContent) {
		return false
	}
	if len(dm.Chunks) != len(other.Chunks) {
		return false
	}
	for i := range dm.Chunks {
		a, b := dm.Chunks[i], other.Chunks[i]
		if a.PreHash != b.PreHash || a.PostHash != b.PostHash ||
			a.Size != b.Size || a.PreSize != b.PreSize {
			return false
		}
	}
	return true
}
