package sigv4

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tidewave-io/go-s3kit/checksum"
)

// DefaultChunkSize is the data chunk size used for aws-chunked framing.
// The protocol requires every chunk except the last to be at least 8 KiB.
const DefaultChunkSize = 64 * 1024

const (
	contentEncodingChunked     = "aws-chunked"
	chunkSignaturePrefix       = ";chunk-signature="
	trailerSignatureHeaderName = "x-amz-trailer-signature"
	signatureEncodedLength     = 64
)

// ChunkSigner is the small state machine that signs streaming chunks. Each
// signature depends on the previous one, so chunks must be signed and sent
// in strict order, with the trailer last.
type ChunkSigner struct {
	amzDate string
	scope   string
	key     []byte
	prev    string
	done    bool
}

// NewChunkSigner starts a chunk-signature chain from the seed signature that
// SignHTTP computed for the streaming request's headers.
func (s *Signer) NewChunkSigner(seedSignature string, signingTime time.Time) *ChunkSigner {
	t := signingTime.UTC()
	dateStamp := t.Format(timeFormatDate)
	return &ChunkSigner{
		amzDate: t.Format(timeFormatISO8601),
		scope:   s.credentialScope(dateStamp),
		key:     deriveSigningKey(s.config.Credentials.SecretAccessKey, dateStamp, s.config.Region),
		prev:    seedSignature,
	}
}

// SignChunk signs the next data chunk. The zero-length final chunk is signed
// the same way, with an empty payload.
func (c *ChunkSigner) SignChunk(chunk []byte) (string, error) {
	if c.done {
		return "", fmt.Errorf("sigv4: chunk signed after trailer")
	}
	stringToSign := strings.Join([]string{
		chunkSigningAlgorithm,
		c.amzDate,
		c.scope,
		c.prev,
		EmptyStringSHA256,
		sha256Hex(chunk),
	}, "\n")
	signature := hex.EncodeToString(hmacSHA256(c.key, []byte(stringToSign)))
	c.prev = signature
	return signature, nil
}

// SignTrailer signs the trailing headers as a final pseudo-chunk and ends
// the chain. trailer is the raw trailing-header bytes with LF line endings.
func (c *ChunkSigner) SignTrailer(trailer []byte) (string, error) {
	if c.done {
		return "", fmt.Errorf("sigv4: trailer already signed")
	}
	stringToSign := strings.Join([]string{
		trailerSigningAlgorithm,
		c.amzDate,
		c.scope,
		c.prev,
		sha256Hex(trailer),
	}, "\n")
	c.done = true
	return hex.EncodeToString(hmacSHA256(c.key, []byte(stringToSign))), nil
}

// ChunkedReader frames a payload into the aws-chunked transfer encoding:
// each chunk is "<hex-size>;chunk-signature=<sig>\r\n<bytes>\r\n", terminated
// by a zero-length chunk and, optionally, trailing checksum headers with a
// trailer signature. With a nil signer it produces the unsigned-trailer
// variant.
type ChunkedReader struct {
	src       io.Reader
	chunkSize int
	signer    *ChunkSigner
	trailer   *checksum.Engine

	buf  bytes.Buffer
	done bool
	err  error
}

// NewChunkedReader frames src. signer may be nil for unsigned framing;
// trailer may be nil when no trailing checksum is sent. chunkSize <= 0
// selects DefaultChunkSize.
func NewChunkedReader(src io.Reader, chunkSize int, signer *ChunkSigner, trailer *checksum.Engine) *ChunkedReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkedReader{src: src, chunkSize: chunkSize, signer: signer, trailer: trailer}
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}
	return r.buf.Read(p)
}

func (r *ChunkedReader) fill() error {
	chunk := make([]byte, r.chunkSize)
	n, err := io.ReadFull(r.src, chunk)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read chunk: %w", err)
	}
	chunk = chunk[:n]

	if n > 0 {
		if r.trailer != nil {
			if err := r.trailer.Update(chunk); err != nil {
				return err
			}
		}
		if err := r.writeChunkHeader(chunk); err != nil {
			return err
		}
		r.buf.Write(chunk)
		r.buf.WriteString("\r\n")
		return nil
	}

	// Zero-length final chunk, then the trailer.
	if err := r.writeChunkHeader(nil); err != nil {
		return err
	}
	if r.trailer != nil {
		trailerBytes, err := r.trailerBytes()
		if err != nil {
			return err
		}
		r.buf.Write(trailerBytes)
		if r.signer != nil {
			sig, err := r.signer.SignTrailer(signableTrailer(trailerBytes))
			if err != nil {
				return err
			}
			r.buf.WriteString(trailerSignatureHeaderName + ":" + sig + "\r\n")
		}
	}
	r.buf.WriteString("\r\n")
	r.done = true
	return nil
}

func (r *ChunkedReader) writeChunkHeader(chunk []byte) error {
	r.buf.WriteString(strconv.FormatInt(int64(len(chunk)), 16))
	if r.signer != nil {
		sig, err := r.signer.SignChunk(chunk)
		if err != nil {
			return err
		}
		r.buf.WriteString(chunkSignaturePrefix + sig)
	}
	r.buf.WriteString("\r\n")
	return nil
}

// trailerBytes renders the trailing checksum headers with CRLF endings.
func (r *ChunkedReader) trailerBytes() ([]byte, error) {
	var b bytes.Buffer
	sums := r.trailer.Finalize()
	for _, algo := range r.trailer.Algorithms() {
		name := algo.HeaderName()
		if name == "" {
			return nil, fmt.Errorf("sigv4: algorithm %q cannot be sent as a trailer", string(algo))
		}
		b.WriteString(name + ":" + sums[algo] + "\r\n")
	}
	return b.Bytes(), nil
}

// signableTrailer converts CRLF trailer bytes to the LF form the trailer
// signature covers.
func signableTrailer(trailer []byte) []byte {
	return bytes.ReplaceAll(trailer, []byte("\r\n"), []byte("\n"))
}

// FramedLength computes the on-wire length of an aws-chunked body so callers
// can set Content-Length up front. trailerLen is the byte length of the
// trailing headers in CRLF form, zero when no trailer is sent.
func FramedLength(decodedLength int64, chunkSize int, signed bool, trailerLen int) int64 {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	sigLen := 0
	if signed {
		sigLen = len(chunkSignaturePrefix) + signatureEncodedLength
	}

	var total int64
	remaining := decodedLength
	for remaining > 0 {
		n := int64(chunkSize)
		if n > remaining {
			n = remaining
		}
		total += int64(len(strconv.FormatInt(n, 16))+sigLen+2) + n + 2
		remaining -= n
	}

	// Zero-length final chunk.
	total += int64(1 + sigLen + 2)
	total += int64(trailerLen)
	if signed && trailerLen > 0 {
		total += int64(len(trailerSignatureHeaderName) + 1 + signatureEncodedLength + 2)
	}
	total += 2
	return total
}
