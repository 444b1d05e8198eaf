package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/smithy-go/encoding/httpbinding"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/tidewave-io/go-s3kit/checksum"
	"github.com/tidewave-io/go-s3kit/payload"
	"github.com/tidewave-io/go-s3kit/sigv4"
)

// Params describes a single request. Exactly one of Body and Stream may be
// set; both nil means a bodiless request.
type Params struct {
	Operation string
	Method    string
	Bucket    string
	Key       string
	Query     url.Values
	Headers   http.Header

	// Body is an in-memory payload. Its independent readers make the body
	// replayable, so the retrying client can re-send it without buffering.
	Body *payload.SegmentedBytes

	// Stream supplies the payload for chunked transfer. It is called once
	// per attempt so retries re-frame and re-sign from a fresh reader.
	// StreamLength is the decoded payload size and must be known.
	Stream       func() (io.Reader, error)
	StreamLength int64

	// TrailerChecksum selects a trailing checksum to send with a streamed
	// body. Empty means no trailer.
	TrailerChecksum checksum.Algorithm

	// SignStream signs each chunk of a streamed body. Without it the stream
	// is framed with the unsigned-trailer content hash token.
	SignStream bool
}

func (p Params) validate() error {
	if p.Operation == "" || p.Method == "" {
		return fmt.Errorf("network: operation and method are required")
	}
	if p.Bucket == "" {
		return fmt.Errorf("network: bucket is required")
	}
	if p.Body != nil && p.Stream != nil {
		return fmt.Errorf("network: body and stream are mutually exclusive")
	}
	if p.Stream != nil && p.StreamLength < 0 {
		return fmt.Errorf("network: stream length must be known")
	}
	if p.Stream == nil && p.TrailerChecksum != "" {
		return fmt.Errorf("network: trailing checksums require a streamed body")
	}
	return nil
}

// Do signs and sends a request, reads the full response body and classifies
// the status. Operations that stream the response use Open instead.
func (e *Executor) Do(ctx context.Context, p Params) (*Response, error) {
	resp, err := e.send(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.collect(p.Operation, resp)
}

// Open signs and sends a request and hands the response body back as a
// stream. The caller owns closing it.
func (e *Executor) Open(ctx context.Context, p Params) (*Response, error) {
	resp, err := e.send(ctx, p)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer e.closeQuietly(resp.Body)
		return nil, e.apiError(p.Operation, resp, readLimited(resp.Body))
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		stream:     resp.Body,
	}, nil
}

func (e *Executor) send(ctx context.Context, p Params) (*http.Response, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	req, err := e.newRequest(ctx, p)
	if err != nil {
		return nil, err
	}

	e.logger.Debugf("%s %s %s", p.Operation, p.Method, req.URL.Redacted())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", p.Operation, err)
	}
	return resp, nil
}

func (e *Executor) newRequest(ctx context.Context, p Params) (*retryablehttp.Request, error) {
	u := e.buildURL(p.Bucket, p.Key, p.Query)

	req, err := retryablehttp.NewRequestWithContext(ctx, p.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", p.Operation, err)
	}
	for name, values := range p.Headers {
		req.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}

	signingTime := time.Now()

	switch {
	case p.Stream != nil:
		return req, e.attachStream(req, p, signingTime)
	case p.Body != nil:
		return req, e.attachBody(req, p, signingTime)
	default:
		_, err = e.signer.SignHTTP(req.Request, sigv4.EmptyStringSHA256, signingTime)
		return req, err
	}
}

// attachBody wires an in-memory payload: the payload hash is computed over
// one pass and each retry attempt gets an independent reader.
func (e *Executor) attachBody(req *retryablehttp.Request, p Params, signingTime time.Time) error {
	h := sha256.New()
	if _, err := io.Copy(h, p.Body.Reader()); err != nil {
		return fmt.Errorf("hash %s payload: %w", p.Operation, err)
	}

	body := p.Body
	if err := req.SetBody(retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return body.Reader(), nil
	})); err != nil {
		return err
	}
	req.ContentLength = body.Size()
	req.Header.Set("Content-Length", strconv.FormatInt(body.Size(), 10))

	_, err := e.signer.SignHTTP(req.Request, hex.EncodeToString(h.Sum(nil)), signingTime)
	return err
}

// attachStream wires a chunked-transfer payload. Headers carry the decoded
// length and trailer declaration; the body reader is rebuilt per attempt so
// the chunk-signature chain and trailing checksum restart cleanly.
func (e *Executor) attachStream(req *retryablehttp.Request, p Params, signingTime time.Time) error {
	trailerLen := 0
	if p.TrailerChecksum != "" {
		name := p.TrailerChecksum.HeaderName()
		if name == "" {
			return fmt.Errorf("network: checksum %q cannot travel as a trailer", string(p.TrailerChecksum))
		}
		req.Header.Set("X-Amz-Trailer", name)
		trailerLen = len(name) + 1 + p.TrailerChecksum.EncodedLength() + 2
	}

	framedLength := sigv4.FramedLength(p.StreamLength, sigv4.DefaultChunkSize, p.SignStream, trailerLen)

	req.Header.Set("Content-Encoding", "aws-chunked")
	req.Header.Set("X-Amz-Decoded-Content-Length", strconv.FormatInt(p.StreamLength, 10))
	req.Header.Set("Content-Length", strconv.FormatInt(framedLength, 10))

	payloadHash := sigv4.StreamingUnsignedPayloadTrailer
	if p.SignStream {
		payloadHash = sigv4.StreamingSignedPayloadTrailer
		if p.TrailerChecksum == "" {
			payloadHash = sigv4.StreamingSignedPayload
		}
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	seed, err := e.signer.SignHTTP(req.Request, payloadHash, signingTime)
	if err != nil {
		return err
	}

	signer := e.signer
	err = req.SetBody(retryablehttp.ReaderFunc(func() (io.Reader, error) {
		src, err := p.Stream()
		if err != nil {
			return nil, err
		}
		var chunkSigner *sigv4.ChunkSigner
		if p.SignStream {
			chunkSigner = signer.NewChunkSigner(seed, signingTime)
		}
		var engine *checksum.Engine
		if p.TrailerChecksum != "" {
			engine, err = checksum.NewEngine(p.TrailerChecksum)
			if err != nil {
				return nil, err
			}
		}
		return sigv4.NewChunkedReader(src, sigv4.DefaultChunkSize, chunkSigner, engine), nil
	}))
	if err != nil {
		return err
	}

	// SetBody resets the content length, so it is assigned last.
	req.ContentLength = framedLength
	return nil
}

// buildURL addresses the object either path-style on the endpoint host or
// via virtual-hosted bucket subdomains. The key is percent-escaped exactly
// once, preserving path separators.
func (e *Executor) buildURL(bucket, key string, query url.Values) *url.URL {
	u := *e.endpoint

	var rawKey, escapedKey string
	if key != "" {
		rawKey = "/" + key
		escapedKey = "/" + httpbinding.EscapePath(key, false)
	}

	if e.pathStyle {
		u.Path = e.endpoint.Path + "/" + bucket + rawKey
		u.RawPath = e.endpoint.Path + "/" + bucket + escapedKey
	} else {
		u.Host = bucket + "." + e.endpoint.Host
		u.Path = e.endpoint.Path + rawKey
		u.RawPath = e.endpoint.Path + escapedKey
		if u.Path == "" {
			u.Path, u.RawPath = "/", "/"
		}
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (e *Executor) closeQuietly(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		e.logger.Printf(err.Error())
	}
}
