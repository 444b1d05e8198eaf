package payload

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// NewZstdSource wraps a reader in a Source that produces its zstd-compressed
// form. The compressed length is unknown in advance, so uploads of such a
// source go through the multipart path unless they fit a single part.
func NewZstdSource(r io.Reader, level zstd.EncoderLevel) (*Source, error) {
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	go func() {
		_, err := io.Copy(enc, r)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return NewSource(pr, -1), nil
}
