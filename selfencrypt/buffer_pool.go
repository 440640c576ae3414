package selfencrypt

import (
	"sync"
	"sync/atomic"

	"github.com/kenneth/selfencrypt/selfencrypt/datamap"
)

// BufferPool pools the byte-slice sizes the chunk pipeline allocates
// repeatedly during parallel flush/read: 32-byte AES keys, 16-byte AES
// IVs, and MAX_CHUNK-sized plaintext/ciphertext buffers. Adapted from the
// teacher's internal/crypto.BufferPool, trimmed from its 4/12/32/64K size
// classes to the three this engine actually allocates, since neither GCM
// nonces (12 bytes) nor arbitrary chunk lengths apply here. Buffers are
// zeroized before being returned to the pool since they may have held key
// material or plaintext.
type BufferPool struct {
	pool16   *sync.Pool // AES-CFB IVs
	pool32   *sync.Pool // AES-256 keys
	poolChunk *sync.Pool // MAX_CHUNK-sized chunk buffers

	hits16, misses16     int64
	hits32, misses32     int64
	hitsChunk, missesChunk int64
}

// NewBufferPool returns an empty BufferPool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool16: &sync.Pool{New: func() interface{} { return make([]byte, 16) }},
		pool32: &sync.Pool{New: func() interface{} { return make([]byte, 32) }},
		poolChunk: &sync.Pool{New: func() interface{} {
			return make([]byte, datamap.MaxChunk)
		}},
	}
}

// GetChunkBuffer returns a buffer of at least size bytes, sliced to size,
// drawn from the MAX_CHUNK pool when it fits.
func (p *BufferPool) GetChunkBuffer(size int) []byte {
	if size <= datamap.MaxChunk {
		buf := p.poolChunk.Get().([]byte)
		if cap(buf) >= size {
			atomic.AddInt64(&p.hitsChunk, 1)
			return buf[:size]
		}
		atomic.AddInt64(&p.missesChunk, 1)
	}
	return make([]byte, size)
}

// PutChunkBuffer returns buf to the chunk pool after zeroizing it.
func (p *BufferPool) PutChunkBuffer(buf []byte) {
	if cap(buf) < datamap.MaxChunk {
		return
	}
	buf = buf[:cap(buf)]
	for i := range buf {
		buf[i] = 0
	}
	p.poolChunk.Put(buf)
}

// GetKey returns a zeroed 32-byte buffer for an AES-256 key.
func (p *BufferPool) GetKey() []byte {
	if v := p.pool32.Get(); v != nil {
		atomic.AddInt64(&p.hits32, 1)
		buf := v.([]byte)
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	atomic.AddInt64(&p.misses32, 1)
	return make([]byte, 32)
}

// PutKey returns a 32-byte key buffer to the pool after zeroizing it.
func (p *BufferPool) PutKey(buf []byte) {
	if cap(buf) != 32 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.pool32.Put(buf[:32])
}

// GetIV returns a 16-byte buffer for an AES-CFB IV.
func (p *BufferPool) GetIV() []byte {
	if v := p.pool16.Get(); v != nil {
		atomic.AddInt64(&p.hits16, 1)
		buf := v.([]byte)
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	atomic.AddInt64(&p.misses16, 1)
	return make([]byte, 16)
}

// PutIV returns a 16-byte IV buffer to the pool after zeroizing it.
func (p *BufferPool) PutIV(buf []byte) {
	if cap(buf) != 16 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.pool16.Put(buf[:16])
}

// BufferPoolMetrics is a point-in-time snapshot of hit/miss counters per
// size class, surfaced through internal/obsmetrics.
type BufferPoolMetrics struct {
	Hits16, Misses16     int64
	Hits32, Misses32     int64
	HitsChunk, MissesChunk int64
}

// Metrics returns a snapshot of the pool's hit/miss counters.
func (p *BufferPool) Metrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		Hits16:      atomic.LoadInt64(&p.hits16),
		Misses16:    atomic.LoadInt64(&p.misses16),
		Hits32:      atomic.LoadInt64(&p.hits32),
		Misses32:    atomic.LoadInt64(&p.misses32),
		HitsChunk:   atomic.LoadInt64(&p.hitsChunk),
		MissesChunk: atomic.LoadInt64(&p.missesChunk),
	}
}

// HitRate returns hits/(hits+misses) for the chunk-sized buffer pool, or 0
// if it has never been used.
func (m BufferPoolMetrics) HitRate() float64 {
	total := m.HitsChunk + m.MissesChunk
	if total == 0 {
		return 0
	}
	return float64(m.HitsChunk) / float64(total)
}
