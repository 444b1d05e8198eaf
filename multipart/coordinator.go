package multipart

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/tidewave-io/go-s3kit/checksum"
	"github.com/tidewave-io/go-s3kit/network"
	"github.com/tidewave-io/go-s3kit/payload"
)

const abortTimeout = 30 * time.Second

// Uploader coordinates object uploads through an Executor. It is safe for
// concurrent use; each Put drives its own session.
type Uploader struct {
	executor Executor
	config   Config
	logger   log.Logger
	stats    *Stats
}

// New creates an Uploader with the given configuration.
func New(executor Executor, config Config, logger log.Logger) (*Uploader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Uploader{
		executor: executor,
		config:   config.withDefaults(),
		logger:   logger,
		stats:    NewStats(),
	}, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Put uploads the source to bucket/key. Payloads at or below the threshold
// go up in a single request; larger or unknown-size payloads become a
// multipart upload that is completed on success and aborted on any failure.
func (u *Uploader) Put(ctx context.Context, bucket, key string, src *payload.Source, headers http.Header) (*Result, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("multipart: bucket and key are required")
	}

	size, known := src.Size()
	if known && size <= u.config.Threshold {
		body, err := readAll(src, size)
		if err != nil {
			return nil, err
		}
		return u.putSingle(ctx, bucket, key, body, headers)
	}

	if !known {
		// Peek up to the single-request limit; a stream that fits under the
		// threshold never needs the multipart machinery.
		peek := u.config.PartSize
		if u.config.Threshold > peek {
			peek = u.config.Threshold
		}
		head, err := src.ReadUpTo(peek)
		if errors.Is(err, payload.ErrSourceConsumed) {
			return u.putSingle(ctx, bucket, key, payload.NewSegmentedBytes(), headers)
		}
		if err != nil {
			return nil, err
		}
		if src.Exhausted() && head.Size() <= u.config.Threshold {
			return u.putSingle(ctx, bucket, key, head, headers)
		}
		return u.putMultipart(ctx, bucket, key, src, nil, head, headers)
	}

	sizes, err := planParts(size, u.config.PartSize)
	if err != nil {
		return nil, err
	}
	return u.putMultipart(ctx, bucket, key, src, sizes, nil, headers)
}

func readAll(src *payload.Source, size int64) (*payload.SegmentedBytes, error) {
	if size == 0 {
		return payload.NewSegmentedBytes(), nil
	}
	body, err := src.ReadUpTo(size)
	if errors.Is(err, payload.ErrSourceConsumed) {
		body, err = payload.NewSegmentedBytes(), nil
	}
	if err != nil {
		return nil, err
	}
	if body.Size() != size {
		return nil, fmt.Errorf("multipart: source delivered %d of %d declared bytes", body.Size(), size)
	}
	return body, nil
}

func (u *Uploader) putSingle(ctx context.Context, bucket, key string, body *payload.SegmentedBytes, headers http.Header) (*Result, error) {
	h := cloneHeader(headers)

	var sum string
	if u.config.Checksum != "" {
		var err error
		sum, err = checksumOf(u.config.Checksum, body)
		if err != nil {
			return nil, err
		}
		h.Set(u.config.Checksum.HeaderName(), sum)
	}

	u.logger.Debugf("Uploading %s/%s in a single request (%s)",
		bucket, key, units.BytesSize(float64(body.Size())))

	resp, err := u.executor.Do(ctx, network.Params{
		Operation: network.OpPutObject,
		Method:    http.MethodPut,
		Bucket:    bucket,
		Key:       key,
		Headers:   h,
		Body:      body,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Bucket:   bucket,
		Key:      key,
		ETag:     resp.ETag(),
		Parts:    1,
		Size:     body.Size(),
		Checksum: sum,
	}, nil
}

func (u *Uploader) putMultipart(ctx context.Context, bucket, key string, src *payload.Source, sizes []int64, head *payload.SegmentedBytes, headers http.Header) (*Result, error) {
	session := NewSession(bucket, key)

	if err := u.initiate(ctx, session, headers); err != nil {
		return nil, err
	}
	u.logger.Debugf("Initiated multipart upload %s for %s/%s", session.UploadID(), bucket, key)

	parts, err := u.uploadParts(ctx, session, src, sizes, head)
	if err != nil {
		u.abort(session)
		return nil, err
	}

	result, err := u.complete(ctx, session, parts)
	if err != nil {
		u.abort(session)
		return nil, err
	}
	return result, nil
}

func (u *Uploader) initiate(ctx context.Context, session *Session, headers http.Header) error {
	h := cloneHeader(headers)
	if u.config.Checksum != "" {
		h.Set("x-amz-checksum-algorithm", string(u.config.Checksum))
	}

	resp, err := u.executor.Do(ctx, network.Params{
		Operation: network.OpCreateMultipartUpload,
		Method:    http.MethodPost,
		Bucket:    session.Bucket(),
		Key:       session.Key(),
		Query:     url.Values{"uploads": {""}},
		Headers:   h,
	})
	if err != nil {
		return err
	}

	uploadID, err := resp.UploadID()
	if err != nil {
		return err
	}
	return session.start(uploadID)
}

// uploadParts reads parts sequentially and uploads them in parallel. The
// semaphore bounds how many part buffers exist at once, so memory use stays
// at roughly Concurrency * PartSize regardless of payload size.
func (u *Uploader) uploadParts(ctx context.Context, session *Session, src *payload.Source, sizes []int64, head *payload.SegmentedBytes) ([]PartResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type produced struct {
		count int
		err   error
	}

	results := make(chan partOutcome)
	producerDone := make(chan produced, 1)
	semaphore := make(chan struct{}, u.config.Concurrency)
	var wg sync.WaitGroup

	next := u.partReader(src, sizes, head)

	go func() {
		number := 0
		for {
			body, err := next()
			if err != nil {
				producerDone <- produced{number, err}
				return
			}
			if body == nil {
				break
			}
			number++
			if number > MaxPartCount {
				producerDone <- produced{number - 1, fmt.Errorf("multipart: payload exceeds %d parts; increase the part size", MaxPartCount)}
				return
			}

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				producerDone <- produced{number - 1, ctx.Err()}
				return
			}

			wg.Add(1)
			go func(number int, body *payload.SegmentedBytes) {
				defer wg.Done()
				defer func() { <-semaphore }()

				result, err := u.uploadPartWithRetry(ctx, session, number, body)
				select {
				case results <- partOutcome{result: result, err: err}:
				case <-ctx.Done():
				}
			}(number, body)
		}
		producerDone <- produced{number, nil}
	}()

	var firstErr error
	total := -1
	completed := 0
	for firstErr == nil && (total < 0 || completed < total) {
		select {
		case p := <-producerDone:
			total = p.count
			firstErr = p.err
		case outcome := <-results:
			completed++
			if outcome.err != nil {
				firstErr = outcome.err
				break
			}
			if err := session.recordPart(outcome.result); err != nil {
				firstErr = err
			}
		}
	}

	cancel()
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return session.Parts(), nil
}

// partReader returns a pull function yielding the next part body, nil when
// the payload is finished. Known-size uploads follow the planned sizes;
// unknown-size uploads cut fixed parts until the source runs dry.
func (u *Uploader) partReader(src *payload.Source, sizes []int64, head *payload.SegmentedBytes) func() (*payload.SegmentedBytes, error) {
	if sizes != nil {
		index := 0
		return func() (*payload.SegmentedBytes, error) {
			if index >= len(sizes) {
				return nil, nil
			}
			want := sizes[index]
			body, err := src.ReadUpTo(want)
			if errors.Is(err, payload.ErrSourceConsumed) {
				body, err = payload.NewSegmentedBytes(), nil
			}
			if err != nil {
				return nil, err
			}
			// A short read here means the source delivered fewer bytes than
			// its declared size; completing would persist a truncated object.
			if body.Size() != want {
				return nil, fmt.Errorf("multipart: source delivered %d of %d bytes for part %d", body.Size(), want, index+1)
			}
			index++
			return body, nil
		}
	}

	first := head
	return func() (*payload.SegmentedBytes, error) {
		if first != nil {
			body := first
			first = nil
			return body, nil
		}
		body, err := src.ReadUpTo(u.config.PartSize)
		if errors.Is(err, payload.ErrSourceConsumed) {
			return nil, nil
		}
		return body, err
	}
}

func (u *Uploader) uploadPartWithRetry(ctx context.Context, session *Session, number int, body *payload.SegmentedBytes) (PartResult, error) {
	var result PartResult

	err := retry.Times(uint(u.config.MaxRetryPerPart - 1)).Wait(u.config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		u.logger.Debugf("Uploading part %d (%s, attempt %d/%d) [finished=%d] [avg=%v]",
			number, units.BytesSize(float64(body.Size())), attempt+1, u.config.MaxRetryPerPart,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Second))

		start := time.Now()
		partResult, err := u.uploadPart(ctx, session, number, body)
		if err != nil {
			u.logger.Warnf("Part %d attempt %d failed: %v", number, attempt+1, err)

			var apiErr *network.APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return err, true
			}
			return err, false
		}

		u.stats.Update(time.Since(start), body.Size())
		result = partResult
		return nil, false
	})
	if err != nil {
		return PartResult{}, fmt.Errorf("upload part %d: %w", number, err)
	}
	return result, nil
}

func (u *Uploader) uploadPart(ctx context.Context, session *Session, number int, body *payload.SegmentedBytes) (PartResult, error) {
	result := PartResult{PartNumber: number, Size: body.Size()}

	headers := http.Header{}
	if u.config.Checksum != "" {
		sum, err := checksumOf(u.config.Checksum, body)
		if err != nil {
			return PartResult{}, err
		}
		headers.Set(u.config.Checksum.HeaderName(), sum)
		result.Checksum = sum
	}

	query := url.Values{}
	query.Set("partNumber", strconv.Itoa(number))
	query.Set("uploadId", session.UploadID())

	resp, err := u.executor.Do(ctx, network.Params{
		Operation: network.OpUploadPart,
		Method:    http.MethodPut,
		Bucket:    session.Bucket(),
		Key:       session.Key(),
		Query:     query,
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		return PartResult{}, err
	}

	etag := resp.ETag()
	if etag == "" {
		return PartResult{}, fmt.Errorf("no ETag in part %d response", number)
	}
	result.ETag = etag
	return result, nil
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`

	ChecksumCRC32     string `xml:"ChecksumCRC32,omitempty"`
	ChecksumCRC32C    string `xml:"ChecksumCRC32C,omitempty"`
	ChecksumCRC64NVME string `xml:"ChecksumCRC64NVME,omitempty"`
	ChecksumSHA1      string `xml:"ChecksumSHA1,omitempty"`
	ChecksumSHA256    string `xml:"ChecksumSHA256,omitempty"`
}

type completeRequest struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

func (u *Uploader) complete(ctx context.Context, session *Session, parts []PartResult) (*Result, error) {
	if err := session.beginComplete(); err != nil {
		return nil, err
	}

	doc := completeRequest{Parts: make([]completedPart, 0, len(parts))}
	var totalSize int64
	for _, p := range parts {
		cp := completedPart{PartNumber: p.PartNumber, ETag: p.ETag}
		switch u.config.Checksum {
		case checksum.CRC32:
			cp.ChecksumCRC32 = p.Checksum
		case checksum.CRC32C:
			cp.ChecksumCRC32C = p.Checksum
		case checksum.CRC64NVME:
			cp.ChecksumCRC64NVME = p.Checksum
		case checksum.SHA1:
			cp.ChecksumSHA1 = p.Checksum
		case checksum.SHA256:
			cp.ChecksumSHA256 = p.Checksum
		}
		doc.Parts = append(doc.Parts, cp)
		totalSize += p.Size
	}

	raw, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/xml")

	resp, err := u.executor.Do(ctx, network.Params{
		Operation: network.OpCompleteMultipartUpload,
		Method:    http.MethodPost,
		Bucket:    session.Bucket(),
		Key:       session.Key(),
		Query:     url.Values{"uploadId": {session.UploadID()}},
		Headers:   headers,
		Body:      payload.NewSegmentedBytes([]byte(xml.Header), raw),
	})
	if err != nil {
		return nil, err
	}

	completion, err := resp.Complete()
	if err != nil {
		return nil, err
	}
	session.finishComplete()

	u.logger.Infof("Completed multipart upload %s/%s: %d parts, %s",
		session.Bucket(), session.Key(), len(parts), units.BytesSize(float64(totalSize)))

	return &Result{
		Bucket:   session.Bucket(),
		Key:      session.Key(),
		ETag:     strings.Trim(completion.ETag, `"`),
		Location: completion.Location,
		UploadID: session.UploadID(),
		Parts:    len(parts),
		Size:     totalSize,
		Checksum: completionChecksum(u.config.Checksum, completion),
	}, nil
}

// abort tears the upload down with a fresh context so it still runs when
// the caller's context was cancelled. Failures are logged, not returned;
// the session reaches its terminal state either way.
func (u *Uploader) abort(session *Session) {
	if err := session.beginAbort(); err != nil {
		u.logger.Debugf("Skipping abort: %v", err)
		return
	}
	defer session.finishAbort()

	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	_, err := u.executor.Do(ctx, network.Params{
		Operation: network.OpAbortMultipartUpload,
		Method:    http.MethodDelete,
		Bucket:    session.Bucket(),
		Key:       session.Key(),
		Query:     url.Values{"uploadId": {session.UploadID()}},
	})
	if err != nil {
		var apiErr *network.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "NoSuchUpload" {
			return
		}
		u.logger.Warnf("Failed to abort multipart upload %s: %v", session.UploadID(), err)
		return
	}
	u.logger.Infof("Aborted multipart upload %s", session.UploadID())
}

func completionChecksum(algo checksum.Algorithm, completion network.CompleteResult) string {
	switch algo {
	case checksum.CRC32:
		return completion.ChecksumCRC32
	case checksum.CRC32C:
		return completion.ChecksumCRC32C
	case checksum.CRC64NVME:
		return completion.ChecksumCRC64NVME
	case checksum.SHA1:
		return completion.ChecksumSHA1
	case checksum.SHA256:
		return completion.ChecksumSHA256
	default:
		return ""
	}
}

func checksumOf(algo checksum.Algorithm, body *payload.SegmentedBytes) (string, error) {
	engine, err := checksum.NewEngine(algo)
	if err != nil {
		return "", err
	}
	it := body.Iter()
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		if err := engine.Update(b); err != nil {
			return "", err
		}
	}
	return engine.Sum(algo)
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	return out
}
