package selfencrypt

import (
	"bytes"
	"testing"
)

func TestSequencerCoalescesAdjacentWrites(t *testing.T) {
	s := NewSequencer()
	b1 := []byte("hello")
	b2 := []byte("world")

	if err := s.Add(100, b1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(uint64(100+len(b1)), b2); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := s.Get(100)
	if !ok {
		t.Fatal("expected coalesced entry at position 100")
	}
	want := append(append([]byte{}, b1...), b2...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if s.Length() != 0 {
		t.Fatalf("expected sequencer drained after Get, length=%d", s.Length())
	}
}

func TestSequencerOverlapLastWriteWins(t *testing.T) {
	s := NewSequencer()
	s.Add(0, []byte("aaaaaaaaaa"))
	s.Add(5, []byte("BBBBB"))

	got, ok := s.Peek(0)
	if !ok {
		t.Fatal("expected merged entry at 0")
	}
	if !bytes.Equal(got, []byte("aaaaaBBBBB")) {
		t.Fatalf("got %q", got)
	}
}

func TestSequencerFillRange(t *testing.T) {
	s := NewSequencer()
	s.Add(10, []byte("0123456789"))

	out := make([]byte, 6)
	n := s.FillRange(12, 18, out, false)
	if n != 6 {
		t.Fatalf("expected 6 bytes written, got %d", n)
	}
	if !bytes.Equal(out, []byte("234567")) {
		t.Fatalf("got %q", out)
	}
}

func TestSequencerFirstPositionAndLength(t *testing.T) {
	s := NewSequencer()
	if _, ok := s.FirstPosition(); ok {
		t.Fatal("expected no first position on empty sequencer")
	}
	s.Add(50, []byte("xyz"))
	pos, ok := s.FirstPosition()
	if !ok || pos != 50 {
		t.Fatalf("got pos=%d ok=%v", pos, ok)
	}
	if s.Length() != 3 {
		t.Fatalf("expected length 3, got %d", s.Length())
	}
}
