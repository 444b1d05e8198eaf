package network

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

var errEmptyEndpoint = fmt.Errorf("network: endpoint is required")

func errInvalidEndpoint(raw string) error {
	return fmt.Errorf("network: invalid endpoint %q", raw)
}

// APIError is a classified service error: the HTTP status plus the code and
// message decoded from the XML error document, when one was returned.
type APIError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d %s: %s", e.Operation, e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the whole operation later could
// succeed. The transport already retried transient statuses, so this mostly
// informs coarser-grained retry decisions.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

type xmlError struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteResult is the decoded completion document for a multipart upload.
type CompleteResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`

	ChecksumCRC32     string `xml:"ChecksumCRC32"`
	ChecksumCRC32C    string `xml:"ChecksumCRC32C"`
	ChecksumCRC64NVME string `xml:"ChecksumCRC64NVME"`
	ChecksumSHA1      string `xml:"ChecksumSHA1"`
	ChecksumSHA256    string `xml:"ChecksumSHA256"`
}

// Response is a classified 2xx result. Document fields are decoded lazily
// and memoized, so callers that only need a header never pay for XML
// parsing.
type Response struct {
	StatusCode int
	Header     http.Header
	operation  string

	body   []byte
	stream io.ReadCloser

	uploadIDOnce sync.Once
	uploadID     string
	uploadIDErr  error

	completeOnce sync.Once
	complete     CompleteResult
	completeErr  error
}

// Bytes returns the buffered response body. It is nil for streamed
// responses.
func (r *Response) Bytes() []byte {
	return r.body
}

// Stream returns the live response body for operations opened with Open.
// The caller must close it.
func (r *Response) Stream() io.ReadCloser {
	return r.stream
}

// ETag returns the entity tag header without surrounding quotes.
func (r *Response) ETag() string {
	return strings.Trim(r.Header.Get("ETag"), `"`)
}

// RequestID returns the service-assigned request ID, if present.
func (r *Response) RequestID() string {
	return r.Header.Get("x-amz-request-id")
}

// ContentLength parses the Content-Length header, -1 when absent.
func (r *Response) ContentLength() int64 {
	if r.stream == nil {
		return int64(len(r.body))
	}
	var n int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Length"), "%d", &n); err != nil {
		return -1
	}
	return n
}

// UploadID decodes the multipart initiation document. The result is parsed
// once and memoized.
func (r *Response) UploadID() (string, error) {
	r.uploadIDOnce.Do(func() {
		var doc initiateResult
		if err := xml.Unmarshal(r.body, &doc); err != nil {
			r.uploadIDErr = fmt.Errorf("decode %s response: %w", r.operation, err)
			return
		}
		if doc.UploadID == "" {
			r.uploadIDErr = fmt.Errorf("decode %s response: missing upload ID", r.operation)
			return
		}
		r.uploadID = doc.UploadID
	})
	return r.uploadID, r.uploadIDErr
}

// Complete decodes the multipart completion document. The service can
// report a failure inside a 200 response, which surfaces here as an
// APIError.
func (r *Response) Complete() (CompleteResult, error) {
	r.completeOnce.Do(func() {
		if bytes.Contains(r.body, []byte("<Error>")) {
			var failure xmlError
			if err := xml.Unmarshal(r.body, &failure); err == nil && failure.Code != "" {
				r.completeErr = &APIError{
					Operation:  r.operation,
					StatusCode: r.StatusCode,
					Code:       failure.Code,
					Message:    failure.Message,
					RequestID:  failure.RequestID,
				}
				return
			}
		}
		if err := xml.Unmarshal(r.body, &r.complete); err != nil {
			r.completeErr = fmt.Errorf("decode %s response: %w", r.operation, err)
		}
	})
	return r.complete, r.completeErr
}

func (e *Executor) collect(operation string, resp *http.Response) (*Response, error) {
	defer e.closeQuietly(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, e.apiError(operation, resp, body)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		operation:  operation,
		body:       body,
	}, nil
}

func (e *Executor) apiError(operation string, resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("x-amz-request-id"),
	}

	var doc xmlError
	if err := xml.Unmarshal(body, &doc); err == nil && doc.Code != "" {
		apiErr.Code = doc.Code
		apiErr.Message = doc.Message
		if doc.RequestID != "" {
			apiErr.RequestID = doc.RequestID
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// readLimited drains an error body without trusting its length.
func readLimited(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return nil
	}
	return body
}
