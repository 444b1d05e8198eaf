package payload

import "io"

// SegmentedBytes is an append-only sequence of byte slices that represents a
// fully materialized payload without copying. Appended slices are shared with
// the caller, so they must not be mutated afterwards.
//
// Slices of equal length are grouped into runs, so repeatedly appending
// fixed-size chunks (the common case when draining a Source) stays O(1) per
// append and keeps the bookkeeping small.
type SegmentedBytes struct {
	segments []segment
	size     int64
}

type segment struct {
	sliceLen int
	slices   [][]byte
}

// NewSegmentedBytes returns an empty buffer, appending any provided slices.
func NewSegmentedBytes(slices ...[]byte) *SegmentedBytes {
	s := &SegmentedBytes{}
	for _, b := range slices {
		s.Append(b)
	}
	return s
}

// Append adds a slice to the end of the buffer without copying it.
// Empty slices are ignored.
func (s *SegmentedBytes) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	if n := len(s.segments); n > 0 && s.segments[n-1].sliceLen == len(b) {
		s.segments[n-1].slices = append(s.segments[n-1].slices, b)
	} else {
		s.segments = append(s.segments, segment{sliceLen: len(b), slices: [][]byte{b}})
	}
	s.size += int64(len(b))
}

// Size returns the total number of bytes in the buffer.
func (s *SegmentedBytes) Size() int64 {
	return s.size
}

// Iter returns an iterator over the buffer's slices in append order.
// Iterators are independent: multiple can walk the same buffer concurrently
// as long as the buffer is no longer being appended to.
func (s *SegmentedBytes) Iter() *SliceIter {
	return &SliceIter{buf: s}
}

// SliceIter walks the slices of a SegmentedBytes without consuming them.
type SliceIter struct {
	buf *SegmentedBytes
	seg int
	idx int
}

// Next returns the next slice, or nil and false when the buffer is exhausted.
func (it *SliceIter) Next() ([]byte, bool) {
	for it.seg < len(it.buf.segments) {
		seg := &it.buf.segments[it.seg]
		if it.idx < len(seg.slices) {
			b := seg.slices[it.idx]
			it.idx++
			return b, true
		}
		it.seg++
		it.idx = 0
	}
	return nil, false
}

// Bytes flattens the buffer into a single contiguous slice. This copies the
// whole payload and should only be used when an API boundary requires one.
func (s *SegmentedBytes) Bytes() []byte {
	out := make([]byte, 0, s.size)
	it := s.Iter()
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		out = append(out, b...)
	}
	return out
}

// Reader returns a fresh io.Reader over the buffer's contents. Each call
// returns an independent reader, which makes the buffer safe to hand to
// retrying HTTP clients that need to replay the body.
func (s *SegmentedBytes) Reader() io.Reader {
	return &segmentedReader{it: s.Iter()}
}

type segmentedReader struct {
	it      *SliceIter
	current []byte
}

func (r *segmentedReader) Read(p []byte) (int, error) {
	for len(r.current) == 0 {
		b, ok := r.it.Next()
		if !ok {
			return 0, io.EOF
		}
		r.current = b
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}
