package datamap

import (
	"encoding/json"
	"fmt"
)

// wireChunk mirrors ChunkDetails from the external wire format. encoding/json
// base64-encodes []byte fields for us, which is what the teacher's
// encodeManifest/decodeManifest pair does by hand for ChunkManifest; here it
// falls out of using []byte struct fields directly.
type wireChunk struct {
	Hash          []byte `json:"hash"`
	PreHash       []byte `json:"pre_hash"`
	Size          uint32 `json:"size"`
	PreSize       uint32 `json:"pre_size"`
	PreHashState  uint8  `json:"pre_hash_state"`
	StorageState  uint8  `json:"storage_state"`
	Algorithm     uint8  `json:"algorithm"`
}

type wireDataMap struct {
	Content []byte      `json:"content"`
	Chunks  []wireChunk `json:"chunks"`
}

// Serialize renders a data map into the bit-exact wire format described in
// the external interfaces: chunks in order, every ChunkDetails field
// preserved. JSON is this implementation's choice of "compatible
// self-describing encoding" (see DESIGN.md); chunk order is preserved by
// JSON array semantics.
func Serialize(dm *DataMap) ([]byte, error) {
	w := wireDataMap{Content: dm.InlineContent}
	w.Chunks = make([]wireChunk, len(dm.Chunks))
	for i, c := range dm.Chunks {
		w.Chunks[i] = wireChunk{
			Hash:         c.PostHash[:],
			PreHash:      c.PreHash[:],
			Size:         c.Size,
			PreSize:      c.PreSize,
			PreHashState: uint8(c.PreHashState),
			StorageState: uint8(c.StorageState),
			Algorithm:    uint8(c.Algorithm),
		}
	}
	return json.Marshal(w)
}

// Parse is the inverse of Serialize.
func Parse(data []byte) (*DataMap, error) {
	var w wireDataMap
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("datamap: parse: %w", err)
	}
	dm := &DataMap{InlineContent: w.Content}
	if len(w.Chunks) > 0 {
		dm.Chunks = make([]ChunkDescriptor, len(w.Chunks))
		for i, c := range w.Chunks {
			if len(c.PreHash) != 64 {
				return nil, fmt.Errorf("datamap: parse: chunk %d pre_hash length %d, want 64", i, len(c.PreHash))
			}
			d := ChunkDescriptor{
				Size:         c.Size,
				PreSize:      c.PreSize,
				PreHashState: PreHashState(c.PreHashState),
				StorageState: StorageState(c.StorageState),
				Algorithm:    CompressionAlgorithm(c.Algorithm),
			}
			copy(d.PreHash[:], c.PreHash)
			if len(c.Hash) == 64 {
				copy(d.PostHash[:], c.Hash)
			} else if len(c.Hash) != 0 {
				return nil, fmt.Errorf("datamap: parse: chunk %d hash length %d, want 64", i, len(c.Hash))
			}
			dm.Chunks[i] = d
		}
	}
	return dm, nil
}
