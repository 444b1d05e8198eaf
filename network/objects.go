package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidewave-io/go-s3kit/checksum"
	"github.com/tidewave-io/go-s3kit/payload"
)

// PutObject uploads an in-memory payload in a single request. The extra
// headers, Content-Type or x-amz-meta-* for example, are passed through to
// the request and the signature.
func (e *Executor) PutObject(ctx context.Context, bucket, key string, body *payload.SegmentedBytes, headers http.Header) (*Response, error) {
	return e.Do(ctx, Params{
		Operation: OpPutObject,
		Method:    http.MethodPut,
		Bucket:    bucket,
		Key:       key,
		Headers:   headers,
		Body:      body,
	})
}

// PutObjectStream uploads a payload of known size with aws-chunked framing,
// optionally carrying a trailing checksum. stream is invoked once per
// attempt so the source must be reopenable.
func (e *Executor) PutObjectStream(ctx context.Context, bucket, key string, stream func() (io.Reader, error), length int64, trailer checksum.Algorithm, headers http.Header) (*Response, error) {
	return e.Do(ctx, Params{
		Operation:       OpPutObject,
		Method:          http.MethodPut,
		Bucket:          bucket,
		Key:             key,
		Headers:         headers,
		Stream:          stream,
		StreamLength:    length,
		TrailerChecksum: trailer,
	})
}

// GetObject opens an object for reading. The caller must close the returned
// response's stream.
func (e *Executor) GetObject(ctx context.Context, bucket, key string) (*Response, error) {
	return e.Open(ctx, Params{
		Operation: OpGetObject,
		Method:    http.MethodGet,
		Bucket:    bucket,
		Key:       key,
	})
}

// GetObjectRange opens a byte range of an object. length < 0 reads from
// offset to the end.
func (e *Executor) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (*Response, error) {
	spec := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		spec = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	headers := http.Header{}
	headers.Set("Range", spec)

	return e.Open(ctx, Params{
		Operation: OpGetObject,
		Method:    http.MethodGet,
		Bucket:    bucket,
		Key:       key,
		Headers:   headers,
	})
}

// HeadObject fetches object metadata without the body.
func (e *Executor) HeadObject(ctx context.Context, bucket, key string) (*Response, error) {
	return e.Do(ctx, Params{
		Operation: OpHeadObject,
		Method:    http.MethodHead,
		Bucket:    bucket,
		Key:       key,
	})
}

// DeleteObject removes an object. Deleting a missing key succeeds.
func (e *Executor) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := e.Do(ctx, Params{
		Operation: OpDeleteObject,
		Method:    http.MethodDelete,
		Bucket:    bucket,
		Key:       key,
	})
	return err
}

// Presign returns a URL that authorizes the given request for a limited
// time without sharing credentials.
func (e *Executor) Presign(method, bucket, key string, expires time.Duration) (string, error) {
	u := e.buildURL(bucket, key, nil)
	req, err := http.NewRequest(method, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build presign request: %w", err)
	}

	signedURL, _, err := e.signer.Presign(req, expires, time.Now())
	if err != nil {
		return "", err
	}
	return signedURL, nil
}
