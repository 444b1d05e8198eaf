package multipart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave-io/go-s3kit/checksum"
	"github.com/tidewave-io/go-s3kit/network"
	"github.com/tidewave-io/go-s3kit/payload"
	"github.com/tidewave-io/go-s3kit/sigv4"
)

// fakeObjectStore implements just enough of the multipart protocol to drive
// the coordinator: initiate, part upload, complete and abort, with optional
// forced failures per part.
type fakeObjectStore struct {
	mu sync.Mutex

	parts        map[int][]byte
	partFailures map[int]int
	failStatus   int

	initiated      bool
	initiateHeader http.Header
	completed      bool
	completeBody   []byte
	aborted        bool

	singleBody   []byte
	singleHeader http.Header
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		parts:        make(map[int][]byte),
		partFailures: make(map[int]int),
		failStatus:   http.StatusInternalServerError,
	}
}

func (f *fakeObjectStore) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		query := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && query.Has("uploads"):
			f.initiated = true
			f.initiateHeader = r.Header.Clone()
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, `<?xml version="1.0"?>
<InitiateMultipartUploadResult>
  <Bucket>test-bucket</Bucket>
  <Key>big.bin</Key>
  <UploadId>upload-123</UploadId>
</InitiateMultipartUploadResult>`)

		case r.Method == http.MethodPut && query.Get("partNumber") != "":
			number, err := strconv.Atoi(query.Get("partNumber"))
			require.NoError(t, err)
			require.Equal(t, "upload-123", query.Get("uploadId"))

			if f.partFailures[number] > 0 {
				f.partFailures[number]--
				w.WriteHeader(f.failStatus)
				_, _ = io.WriteString(w, `<?xml version="1.0"?>
<Error><Code>AccessDenied</Code><Message>forced failure</Message></Error>`)
				return
			}

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			f.parts[number] = body
			w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, number))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && query.Get("uploadId") != "":
			f.completed = true
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			f.completeBody = body
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, `<?xml version="1.0"?>
<CompleteMultipartUploadResult>
  <Bucket>test-bucket</Bucket>
  <Key>big.bin</Key>
  <ETag>"aggregate-etag-3"</ETag>
  <ChecksumCRC32C>c2hvcnQ=</ChecksumCRC32C>
</CompleteMultipartUploadResult>`)

		case r.Method == http.MethodDelete && query.Get("uploadId") != "":
			f.aborted = true
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			f.singleBody = body
			f.singleHeader = r.Header.Clone()
			w.Header().Set("ETag", `"single-etag"`)
			w.WriteHeader(http.StatusOK)

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

func (f *fakeObjectStore) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	numbers := make([]int, 0, len(f.parts))
	for n := range f.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var out bytes.Buffer
	for _, n := range numbers {
		out.Write(f.parts[n])
	}
	return out.Bytes()
}

func testNetworkExecutor(t *testing.T, endpoint string) *network.Executor {
	t.Helper()

	executor, err := network.NewExecutor(network.Config{
		Endpoint:     endpoint,
		Region:       "us-east-1",
		Credentials:  sigv4.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"},
		UsePathStyle: true,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, log.NewLogger())
	require.NoError(t, err)
	return executor
}

// testUploader restores sub-minimum part sizes after the constructor clamps
// them, so tests can split small payloads into multiple parts.
func testUploader(t *testing.T, endpoint string, config Config) *Uploader {
	t.Helper()

	uploader, err := New(testNetworkExecutor(t, endpoint), config, log.NewLogger())
	require.NoError(t, err)

	if config.PartSize > 0 && config.PartSize < MinPartSize {
		uploader.config.PartSize = config.PartSize
	}
	if config.Threshold > 0 && config.Threshold < MinPartSize {
		uploader.config.Threshold = config.Threshold
	}
	return uploader
}

func randomPayload(n int) []byte {
	out := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(out)
	return out
}

func TestNew_ValidatesChecksum(t *testing.T) {
	_, err := New(nil, Config{Checksum: checksum.MD5}, log.NewLogger())
	assert.Error(t, err)

	_, err = New(nil, Config{Checksum: checksum.Algorithm("CRC16")}, log.NewLogger())
	assert.Error(t, err)
}

func TestUploader_PutSingleShot(t *testing.T) {
	store := newFakeObjectStore()
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{
		PartSize:  1024,
		Threshold: 1024,
		Checksum:  checksum.CRC32C,
	})

	content := randomPayload(100)
	result, err := uploader.Put(context.Background(), "test-bucket", "small.bin",
		payload.NewBytesSource(content), nil)
	require.NoError(t, err)

	assert.Equal(t, content, store.singleBody)
	assert.False(t, store.initiated)
	assert.Equal(t, "single-etag", result.ETag)
	assert.Empty(t, result.UploadID)
	assert.Equal(t, 1, result.Parts)
	assert.EqualValues(t, 100, result.Size)

	// Checksum travels as a request header and is echoed in the result.
	assert.NotEmpty(t, store.singleHeader.Get("x-amz-checksum-crc32c"))
	assert.Equal(t, store.singleHeader.Get("x-amz-checksum-crc32c"), result.Checksum)
}

func TestUploader_PutMultipart_UnknownSize(t *testing.T) {
	store := newFakeObjectStore()
	// Two transient failures on part 2 must not fail the upload.
	store.partFailures[2] = 2
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{
		PartSize:    1024,
		Threshold:   1024,
		Concurrency: 3,
		RetryWait:   time.Millisecond,
		Checksum:    checksum.CRC32C,
	})

	content := randomPayload(2500)
	result, err := uploader.Put(context.Background(), "test-bucket", "big.bin",
		payload.NewSource(bytes.NewReader(content), -1), nil)
	require.NoError(t, err)

	assert.True(t, store.initiated)
	assert.True(t, store.completed)
	assert.False(t, store.aborted)
	assert.Equal(t, content, store.assembled())

	assert.Equal(t, "upload-123", result.UploadID)
	assert.Equal(t, 3, result.Parts)
	assert.Equal(t, "aggregate-etag-3", result.ETag)
	assert.EqualValues(t, 2500, result.Size)
	assert.Equal(t, "c2hvcnQ=", result.Checksum)

	// Initiation declares the checksum algorithm up front.
	assert.Equal(t, "CRC32C", store.initiateHeader.Get("x-amz-checksum-algorithm"))

	// The completion document lists parts in ascending order with their
	// checksums.
	completeBody := string(store.completeBody)
	first := strings.Index(completeBody, "<PartNumber>1</PartNumber>")
	second := strings.Index(completeBody, "<PartNumber>2</PartNumber>")
	third := strings.Index(completeBody, "<PartNumber>3</PartNumber>")
	require.True(t, first >= 0 && second >= 0 && third >= 0, "all parts present: %s", completeBody)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
	assert.Contains(t, completeBody, "<ETag>etag-1</ETag>")
	assert.Contains(t, completeBody, "<ChecksumCRC32C>")

	assert.EqualValues(t, 3, uploader.Stats().FinishedCount())
	assert.EqualValues(t, 2500, uploader.Stats().BytesUploaded())
}

func TestUploader_AbortsOnFatalPartFailure(t *testing.T) {
	store := newFakeObjectStore()
	store.failStatus = http.StatusForbidden
	store.partFailures[2] = 1 << 20 // never recovers

	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{
		PartSize:    1024,
		Threshold:   1024,
		Concurrency: 2,
		RetryWait:   time.Millisecond,
	})

	content := randomPayload(3000)
	_, err := uploader.Put(context.Background(), "test-bucket", "big.bin",
		payload.NewSource(bytes.NewReader(content), -1), nil)
	require.Error(t, err)

	var apiErr *network.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "AccessDenied", apiErr.Code)

	assert.True(t, store.aborted, "failed upload must be aborted")
	assert.False(t, store.completed)
}

func TestUploader_KnownSizeAboveThreshold(t *testing.T) {
	store := newFakeObjectStore()
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{
		PartSize:  1024,
		Threshold: 1000,
	})

	content := randomPayload(6000)
	result, err := uploader.Put(context.Background(), "test-bucket", "big.bin",
		payload.NewBytesSource(content), nil)
	require.NoError(t, err)

	// 6000 bytes is above the threshold but below the minimum part size, so
	// the plan collapses to one part within a multipart session.
	assert.True(t, store.initiated)
	assert.True(t, store.completed)
	assert.Equal(t, content, store.assembled())
	assert.Equal(t, "upload-123", result.UploadID)
	assert.Equal(t, 1, result.Parts)
}

func TestUploader_EmptyUnknownSource(t *testing.T) {
	store := newFakeObjectStore()
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{PartSize: 1024})

	result, err := uploader.Put(context.Background(), "test-bucket", "empty.bin",
		payload.NewSource(strings.NewReader(""), -1), nil)
	require.NoError(t, err)

	assert.False(t, store.initiated)
	assert.Empty(t, store.singleBody)
	assert.EqualValues(t, 0, result.Size)
}

func TestNew_ClampsPartSize(t *testing.T) {
	uploader, err := New(nil, Config{PartSize: 1024}, log.NewLogger())
	require.NoError(t, err)
	assert.EqualValues(t, MinPartSize, uploader.config.PartSize)
	assert.EqualValues(t, MinPartSize, uploader.config.Threshold)

	uploader, err = New(nil, Config{PartSize: MaxPartSize + 1}, log.NewLogger())
	require.NoError(t, err)
	assert.EqualValues(t, MaxPartSize, uploader.config.PartSize)
}

func TestUploader_SmallPartSizeNeverSplitsSmallStreams(t *testing.T) {
	store := newFakeObjectStore()
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	// No test-size override here: a sub-minimum part size must be clamped,
	// so a small unknown-length stream goes up in one request instead of
	// parts the protocol rejects.
	uploader, err := New(testNetworkExecutor(t, svr.URL), Config{PartSize: 1024}, log.NewLogger())
	require.NoError(t, err)

	content := randomPayload(3000)
	result, err := uploader.Put(context.Background(), "test-bucket", "small.bin",
		payload.NewSource(bytes.NewReader(content), -1), nil)
	require.NoError(t, err)

	assert.False(t, store.initiated)
	assert.Equal(t, content, store.singleBody)
	assert.Equal(t, 1, result.Parts)
}

func TestUploader_UnknownSizeUnderThreshold(t *testing.T) {
	store := newFakeObjectStore()
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{
		PartSize:  1024,
		Threshold: 2048,
	})

	// Larger than one part but under the threshold: still a single request.
	content := randomPayload(1500)
	result, err := uploader.Put(context.Background(), "test-bucket", "mid.bin",
		payload.NewSource(bytes.NewReader(content), -1), nil)
	require.NoError(t, err)

	assert.False(t, store.initiated)
	assert.Equal(t, content, store.singleBody)
	assert.Equal(t, 1, result.Parts)
}

func TestUploader_ShortSourceSingleShot(t *testing.T) {
	uploader, err := New(nil, Config{}, log.NewLogger())
	require.NoError(t, err)

	// The source declares 100 bytes but only delivers 5.
	_, err = uploader.Put(context.Background(), "test-bucket", "short.bin",
		payload.NewSource(strings.NewReader("short"), 100), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5 of 100")
}

func TestUploader_ShortSourceAbortsMultipart(t *testing.T) {
	store := newFakeObjectStore()
	svr := httptest.NewServer(store.handler(t))
	defer svr.Close()

	uploader := testUploader(t, svr.URL, Config{
		Threshold: 1000,
		RetryWait: time.Millisecond,
	})

	content := randomPayload(3000)
	_, err := uploader.Put(context.Background(), "test-bucket", "short.bin",
		payload.NewSource(bytes.NewReader(content), 6000), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3000 of 6000")

	assert.True(t, store.aborted, "truncated upload must be aborted")
	assert.False(t, store.completed)
}

func TestUploader_RequiresBucketAndKey(t *testing.T) {
	uploader, err := New(nil, Config{}, log.NewLogger())
	require.NoError(t, err)

	_, err = uploader.Put(context.Background(), "", "key", payload.NewBytesSource(nil), nil)
	assert.Error(t, err)

	_, err = uploader.Put(context.Background(), "bucket", "", payload.NewBytesSource(nil), nil)
	assert.Error(t, err)
}
