// Package multipart coordinates multipart object uploads: it splits a
// payload into parts, uploads them in parallel with per-part retries, and
// completes or aborts the upload so no orphaned parts are left behind.
package multipart

import (
	"context"

	"github.com/tidewave-io/go-s3kit/network"
)

// Executor sends classified requests. *network.Executor implements it; tests
// substitute fakes.
type Executor interface {
	Do(ctx context.Context, p network.Params) (*network.Response, error)
}

// PartResult records one successfully uploaded part.
type PartResult struct {
	PartNumber int
	ETag       string
	Size       int64

	// Checksum is the part's base64 digest when a checksum algorithm is
	// configured, empty otherwise.
	Checksum string
}

// Result describes a finished upload, single-shot or multipart.
type Result struct {
	Bucket   string
	Key      string
	ETag     string
	Location string

	// UploadID is empty for single-shot uploads.
	UploadID string
	Parts    int
	Size     int64

	// Checksum is the whole-object digest reported by the service, or the
	// locally computed one for single-shot uploads.
	Checksum string
}

type partOutcome struct {
	result PartResult
	err    error
}
