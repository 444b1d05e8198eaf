// Package checksum computes running integrity digests over byte streams for
// upload verification, both as trailing checksums for chunked transfers and
// as standalone whole-object digests.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"hash/crc64"
	"strings"
)

// Algorithm identifies a supported checksum algorithm. The values match the
// identifiers used in x-amz-checksum-* headers and completion XML elements.
type Algorithm string

const (
	CRC32     Algorithm = "CRC32"
	CRC32C    Algorithm = "CRC32C"
	CRC64NVME Algorithm = "CRC64NVME"
	MD5       Algorithm = "MD5"
	SHA1      Algorithm = "SHA1"
	SHA256    Algorithm = "SHA256"
)

// crc64NVMETable uses the reversed CRC-64/NVME polynomial; init and xor-out
// are all-ones, which matches hash/crc64's update semantics.
var crc64NVMETable = crc64.MakeTable(0x9a6c9329ac4bc9b5)

// HeaderName returns the x-amz-checksum-* header carrying this algorithm's
// digest, or an empty string for MD5, which travels as Content-MD5 instead.
func (a Algorithm) HeaderName() string {
	if a == MD5 {
		return ""
	}
	return "x-amz-checksum-" + strings.ToLower(string(a))
}

// EncodedLength returns the length of the algorithm's base64 digest string,
// used to compute wire lengths before any data is hashed.
func (a Algorithm) EncodedLength() int {
	switch a {
	case CRC32, CRC32C:
		return 8
	case CRC64NVME:
		return 12
	case MD5:
		return 24
	case SHA1:
		return 28
	case SHA256:
		return 44
	default:
		return 0
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case CRC32:
		return crc32.NewIEEE(), nil
	case CRC32C:
		return crc32.New(crc32.MakeTable(crc32.Castagnoli)), nil
	case CRC64NVME:
		return crc64.New(crc64NVMETable), nil
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("checksum: unsupported algorithm %q", string(a))
	}
}

// Engine maintains independent running state for one or more algorithms over
// a single logical byte stream. The finalized digest depends only on the
// bytes fed in, not on how Update calls are chunked.
type Engine struct {
	states    map[Algorithm]hash.Hash
	order     []Algorithm
	finalized map[Algorithm]string
}

// NewEngine returns an engine computing the given algorithms. At least one
// algorithm is required and duplicates are rejected.
func NewEngine(algorithms ...Algorithm) (*Engine, error) {
	if len(algorithms) == 0 {
		return nil, fmt.Errorf("checksum: no algorithms requested")
	}
	e := &Engine{states: make(map[Algorithm]hash.Hash, len(algorithms))}
	for _, a := range algorithms {
		if _, ok := e.states[a]; ok {
			return nil, fmt.Errorf("checksum: algorithm %q requested twice", string(a))
		}
		h, err := a.newHash()
		if err != nil {
			return nil, err
		}
		e.states[a] = h
		e.order = append(e.order, a)
	}
	return e, nil
}

// Update feeds data into every active algorithm. Updating a finalized engine
// is a programming error and is rejected.
func (e *Engine) Update(p []byte) error {
	if e.finalized != nil {
		return fmt.Errorf("checksum: update after finalize")
	}
	for _, h := range e.states {
		h.Write(p)
	}
	return nil
}

// Finalize computes each algorithm's digest, base64-encoded per the protocol
// convention. Repeated calls return the same result; each underlying state is
// finalized exactly once.
func (e *Engine) Finalize() map[Algorithm]string {
	if e.finalized == nil {
		e.finalized = make(map[Algorithm]string, len(e.states))
		for a, h := range e.states {
			e.finalized[a] = base64.StdEncoding.EncodeToString(h.Sum(nil))
		}
	}
	out := make(map[Algorithm]string, len(e.finalized))
	for a, v := range e.finalized {
		out[a] = v
	}
	return out
}

// Sum returns a single algorithm's base64 digest, finalizing the engine if
// needed.
func (e *Engine) Sum(a Algorithm) (string, error) {
	sums := e.Finalize()
	v, ok := sums[a]
	if !ok {
		return "", fmt.Errorf("checksum: algorithm %q not active", string(a))
	}
	return v, nil
}

// Algorithms returns the active algorithms in the order they were requested.
func (e *Engine) Algorithms() []Algorithm {
	out := make([]Algorithm, len(e.order))
	copy(out, e.order)
	return out
}

// SHA256Hex computes the hex-encoded SHA-256 of a payload in one shot. This
// is the digest format the signing protocol uses for payload hashes.
func SHA256Hex(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}
