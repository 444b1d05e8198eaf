package payload

import (
	"errors"
	"fmt"
	"io"
)

// readChunkSize is the granularity of reads against the underlying producer.
const readChunkSize = 64 * 1024

// ErrSourceConsumed is returned when reading from a source that has already
// been fully drained.
var ErrSourceConsumed = errors.New("payload: source already consumed")

// Source is a lazy, forward-only producer of byte chunks with an optional
// known total length. Bytes are read exactly once and never reordered; any
// excess read past a requested boundary is kept in a lookahead buffer and
// yielded to the next call.
//
// A Source must not be read concurrently. It is not restartable: callers that
// need to retry (for example a multipart part upload) must capture the bytes
// into a SegmentedBytes first and replay from there.
type Source struct {
	r         io.Reader
	size      int64
	extra     []byte
	exhausted bool
}

// NewSource wraps a reader as a Source. Pass a negative size when the total
// length is not known in advance.
func NewSource(r io.Reader, size int64) *Source {
	if size < 0 {
		size = -1
	}
	return &Source{r: r, size: size}
}

// NewBytesSource returns a Source over an in-memory payload.
func NewBytesSource(b []byte) *Source {
	return &Source{extra: b, size: int64(len(b)), exhausted: true}
}

// Size returns the total length of the source, and whether it is known.
func (s *Source) Size() (int64, bool) {
	return s.size, s.size >= 0
}

// Exhausted reports whether the underlying producer has signalled end of
// stream. Buffered lookahead bytes may still be pending.
func (s *Source) Exhausted() bool {
	return s.exhausted
}

// ReadUpTo returns the next up-to-n bytes of the source. A short result
// occurs only at end of source; a nil buffer with no error is never returned.
// On an I/O failure the bytes already pulled from the producer are pushed
// back into the lookahead buffer, so a caller that can recover the producer
// may retry at the same logical offset.
func (s *Source) ReadUpTo(n int64) (*SegmentedBytes, error) {
	if n <= 0 {
		return nil, fmt.Errorf("payload: invalid read size %d", n)
	}

	out := NewSegmentedBytes()

	// Serve buffered lookahead first.
	if len(s.extra) > 0 {
		if int64(len(s.extra)) > n {
			out.Append(s.extra[:n])
			s.extra = s.extra[n:]
			return out, nil
		}
		out.Append(s.extra)
		s.extra = nil
	}

	for out.Size() < n && !s.exhausted {
		want := n - out.Size()
		if want > readChunkSize {
			want = readChunkSize
		}
		chunk := make([]byte, want)
		read, err := io.ReadFull(s.r, chunk)
		if read > 0 {
			out.Append(chunk[:read])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			s.exhausted = true
			break
		}
		if err != nil {
			// Preserve what we already pulled so a retry at the same
			// logical offset stays possible.
			s.extra = append(out.Bytes(), s.extra...)
			return nil, fmt.Errorf("read source: %w", err)
		}
	}

	if out.Size() == 0 && s.exhausted {
		return nil, ErrSourceConsumed
	}
	return out, nil
}

// Drain consumes the remainder of the source into a single SegmentedBytes.
func (s *Source) Drain() (*SegmentedBytes, error) {
	out := NewSegmentedBytes()
	if len(s.extra) > 0 {
		out.Append(s.extra)
		s.extra = nil
	}
	for !s.exhausted {
		chunk := make([]byte, readChunkSize)
		read, err := io.ReadFull(s.r, chunk)
		if read > 0 {
			out.Append(chunk[:read])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			s.exhausted = true
			break
		}
		if err != nil {
			s.extra = append(out.Bytes(), s.extra...)
			return nil, fmt.Errorf("drain source: %w", err)
		}
	}
	return out, nil
}
