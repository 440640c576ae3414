package selfencrypt

import "github.com/kenneth/selfencrypt/selfencrypt/datamap"

// chunkSizesFor implements the chunk sizing policy (§4.9) for a file of
// logical size fileSize. It returns nil if the file is small enough to be
// stored inline.
func chunkSizesFor(fileSize uint64) []uint32 {
	if fileSize < datamap.MinChunks*datamap.MinChunk {
		return nil
	}
	if fileSize < datamap.MinChunks*datamap.MaxChunk {
		base := fileSize / datamap.MinChunks
		rem := fileSize % datamap.MinChunks
		return []uint32{uint32(base), uint32(base), uint32(base) + uint32(rem)}
	}

	full := fileSize / datamap.MaxChunk
	tail := fileSize % datamap.MaxChunk

	sizes := make([]uint32, 0, full+1)
	for i := uint64(0); i < full; i++ {
		sizes = append(sizes, datamap.MaxChunk)
	}
	if tail == 0 {
		return sizes
	}
	if tail < datamap.MinChunk {
		shrink := uint32(datamap.MinChunk - tail)
		sizes[len(sizes)-1] -= shrink
		sizes = append(sizes, shrink+uint32(tail))
	} else {
		sizes = append(sizes, uint32(tail))
	}
	return sizes
}
