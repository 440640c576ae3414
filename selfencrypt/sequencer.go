package selfencrypt

import "sort"

// sequencerEntry is one staged, disjoint interval: bytes occupy
// [position, position+len(data)).
type sequencerEntry struct {
	position uint64
	data     []byte
}

func (e sequencerEntry) end() uint64 { return e.position + uint64(len(e.data)) }

// Sequencer is the out-of-order write staging area (§4.4): an interval map
// keyed by absolute file position, keeping its entries disjoint and
// non-adjacent by coalescing on every Add. Overlap between a new Add and
// existing entries is resolved last-write-wins: bytes from the new entry
// take precedence.
//
// Entries live in a position-sorted slice rather than a balanced tree (the
// reference implementation's std::map<size_t, sequence_data>) — the number
// of concurrently staged out-of-order writes in one flush cycle is small
// enough that linear coalescing is simpler and fast in practice.
type Sequencer struct {
	entries []sequencerEntry
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Add inserts data at position, overwriting any previously staged bytes it
// overlaps, and coalescing with adjacent or overlapping entries so the
// invariant (disjoint, non-adjacent entries) holds afterward.
func (s *Sequencer) Add(position uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	newEntry := sequencerEntry{position: position, data: append([]byte(nil), data...)}

	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].end() >= newEntry.position
	})

	start := idx
	for start > 0 && s.entries[start-1].end() >= newEntry.position {
		start--
	}
	end := idx
	for end < len(s.entries) && s.entries[end].position <= newEntry.end() {
		end++
	}

	merged := s.mergeWithOverlap(newEntry, s.entries[start:end])

	out := make([]sequencerEntry, 0, len(s.entries)-(end-start)+1)
	out = append(out, s.entries[:start]...)
	out = append(out, merged)
	out = append(out, s.entries[end:]...)
	s.entries = out
	return nil
}

// mergeWithOverlap combines newEntry with every existing entry it overlaps
// or touches, with newEntry's bytes winning on overlap.
func (s *Sequencer) mergeWithOverlap(newEntry sequencerEntry, overlapping []sequencerEntry) sequencerEntry {
	if len(overlapping) == 0 {
		return newEntry
	}
	lo := newEntry.position
	hi := newEntry.end()
	for _, e := range overlapping {
		if e.position < lo {
			lo = e.position
		}
		if e.end() > hi {
			hi = e.end()
		}
	}
	buf := make([]byte, hi-lo)
	for _, e := range overlapping {
		copy(buf[e.position-lo:], e.data)
	}
	copy(buf[newEntry.position-lo:], newEntry.data)
	return sequencerEntry{position: lo, data: buf}
}

func (s *Sequencer) indexAt(position uint64) int {
	for i, e := range s.entries {
		if e.position == position {
			return i
		}
	}
	return -1
}

// Peek returns the stretch of bytes starting exactly at position, without
// removing it, and whether one exists.
func (s *Sequencer) Peek(position uint64) ([]byte, bool) {
	i := s.indexAt(position)
	if i < 0 {
		return nil, false
	}
	out := make([]byte, len(s.entries[i].data))
	copy(out, s.entries[i].data)
	return out, true
}

// Get removes and returns the stretch of bytes starting exactly at
// position.
func (s *Sequencer) Get(position uint64) ([]byte, bool) {
	i := s.indexAt(position)
	if i < 0 {
		return nil, false
	}
	data := s.entries[i].data
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return data, true
}

// FillRange scatter-reads every staged byte in [from, to) into out (indexed
// relative to from), optionally consuming the entries it fully or partially
// covers (a partially covered entry keeps only its bytes outside the
// range). Returns the number of bytes written.
func (s *Sequencer) FillRange(from, to uint64, out []byte, remove bool) uint32 {
	var written uint32
	var remaining []sequencerEntry
	for _, e := range s.entries {
		if e.end() <= from || e.position >= to {
			remaining = append(remaining, e)
			continue
		}
		lo := e.position
		if lo < from {
			lo = from
		}
		hi := e.end()
		if hi > to {
			hi = to
		}
		copy(out[lo-from:hi-from], e.data[lo-e.position:hi-e.position])
		written += uint32(hi - lo)
		if !remove {
			remaining = append(remaining, e)
			continue
		}
		if e.position < lo {
			remaining = append(remaining, sequencerEntry{position: e.position, data: append([]byte(nil), e.data[:lo-e.position]...)})
		}
		if e.end() > hi {
			remaining = append(remaining, sequencerEntry{position: hi, data: append([]byte(nil), e.data[hi-e.position:]...)})
		}
	}
	if remove {
		s.entries = remaining
	}
	return written
}

// Length returns the total number of bytes currently staged across all
// entries.
func (s *Sequencer) Length() uint64 {
	var total uint64
	for _, e := range s.entries {
		total += uint64(len(e.data))
	}
	return total
}

// FirstPosition returns the position of the earliest staged entry, if any.
func (s *Sequencer) FirstPosition() (uint64, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}
	return s.entries[0].position, true
}

// Clear removes every staged byte in [from, to), splitting any entry that
// only partially overlaps so its non-overlapping remainder survives. The
// engine calls this whenever a write lands directly in a dirty buffer
// (chunk0Raw/chunk1Raw/mainQueue) so a stale sequencer entry for the same
// range can never shadow the newer, directly-buffered bytes at flush time.
func (s *Sequencer) Clear(from, to uint64) {
	if from >= to {
		return
	}
	kept := make([]sequencerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.end() <= from || e.position >= to {
			kept = append(kept, e)
			continue
		}
		if e.position < from {
			kept = append(kept, sequencerEntry{
				position: e.position,
				data:     append([]byte(nil), e.data[:from-e.position]...),
			})
		}
		if e.end() > to {
			kept = append(kept, sequencerEntry{
				position: to,
				data:     append([]byte(nil), e.data[to-e.position:]...),
			})
		}
	}
	s.entries = kept
}

// Entries returns every staged (position, data) pair in position order,
// without removing them. Used by the engine to absorb sequencer contents
// into the reconstructed plaintext at flush time.
func (s *Sequencer) Entries() []struct {
	Position uint64
	Data     []byte
} {
	out := make([]struct {
		Position uint64
		Data     []byte
	}, len(s.entries))
	for i, e := range s.entries {
		out[i].Position = e.position
		out[i].Data = e.data
	}
	return out
}
