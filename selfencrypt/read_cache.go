package selfencrypt

import "github.com/kenneth/selfencrypt/selfencrypt/datamap"

// readCacheDefaultMaxSize is the cache's capacity (§4.5): 8 * MAX_CHUNK.
const readCacheDefaultMaxSize = 8 * datamap.MaxChunk

// ReadCache is a single sliding byte-buffer window over decrypted chunk
// plaintext, used to avoid re-fetching/re-decrypting chunks on sequential
// reads. Grounded on the original's single forward-looking Cache (a
// double-ended cache was tried upstream and measured slower) and the
// teacher's BufferPool atomic hit/miss accounting style.
type ReadCache struct {
	start   uint64
	buf     []byte
	maxSize int

	hits   uint64
	misses uint64
}

// NewReadCache returns an empty ReadCache with the default 8*MAX_CHUNK
// capacity.
func NewReadCache() *ReadCache {
	return &ReadCache{maxSize: readCacheDefaultMaxSize}
}

// Put stores bytes starting at filePosition. If filePosition is contiguous
// with the current window (extends it immediately after), the window
// grows; otherwise the window is replaced outright. If growing would
// exceed capacity, MAX_CHUNK-sized prefixes are dropped (advancing start)
// until it fits.
func (c *ReadCache) Put(bytes []byte, filePosition uint64) {
	if len(c.buf) > 0 && filePosition == c.start+uint64(len(c.buf)) {
		c.buf = append(c.buf, bytes...)
	} else {
		c.start = filePosition
		c.buf = append([]byte(nil), bytes...)
	}

	for len(c.buf) > c.maxSize {
		drop := datamap.MaxChunk
		if drop > len(c.buf) {
			drop = len(c.buf)
		}
		c.buf = c.buf[drop:]
		c.start += uint64(drop)
	}
}

// Get copies length bytes starting at filePosition into out and returns
// true if the entire requested range is contained in the current window;
// otherwise it returns false and leaves out untouched, counting a miss.
func (c *ReadCache) Get(out []byte, length uint32, filePosition uint64) bool {
	if filePosition < c.start || filePosition+uint64(length) > c.start+uint64(len(c.buf)) {
		c.misses++
		return false
	}
	offset := filePosition - c.start
	copy(out[:length], c.buf[offset:offset+uint64(length)])
	c.hits++
	return true
}

// Hits returns the number of Get calls fully served from the window.
func (c *ReadCache) Hits() uint64 { return c.hits }

// Misses returns the number of Get calls that missed the window.
func (c *ReadCache) Misses() uint64 { return c.misses }
