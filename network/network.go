// Package network executes signed requests against an S3-compatible
// endpoint: it builds and signs the HTTP request, sends it through a
// retrying client, and classifies the outcome into results or typed API
// errors.
package network

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/tidewave-io/go-s3kit/sigv4"
)

// Operation names used in logs and error values.
const (
	OpPutObject               = "PutObject"
	OpGetObject               = "GetObject"
	OpDeleteObject            = "DeleteObject"
	OpHeadObject              = "HeadObject"
	OpCreateMultipartUpload   = "CreateMultipartUpload"
	OpUploadPart              = "UploadPart"
	OpCompleteMultipartUpload = "CompleteMultipartUpload"
	OpAbortMultipartUpload    = "AbortMultipartUpload"
)

// Config describes the endpoint an Executor talks to.
type Config struct {
	// Endpoint is the service base URL, e.g. https://s3.us-east-1.amazonaws.com
	// or a private gateway.
	Endpoint    string
	Region      string
	Credentials sigv4.Credentials

	// UsePathStyle addresses buckets as /bucket/key on the endpoint host
	// instead of bucket.host virtual hosting. Required for most self-hosted
	// gateways.
	UsePathStyle bool

	// MaxRetries overrides the retrying client's attempt budget when > 0.
	MaxRetries int

	// Timeout bounds a single attempt, connection setup and body included.
	// Zero means no limit.
	Timeout time.Duration

	// RetryWaitMin and RetryWaitMax override the retry backoff bounds
	// when > 0.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Executor signs and sends requests. It is safe for concurrent use; the
// multipart coordinator shares one executor across all part workers.
type Executor struct {
	client   *retryablehttp.Client
	signer   *sigv4.Signer
	endpoint *url.URL
	region   string

	pathStyle bool
	logger    log.Logger
}

// NewExecutor validates the configuration and returns a ready executor
// backed by a retrying HTTP client.
func NewExecutor(config Config, logger log.Logger) (*Executor, error) {
	endpoint, err := parseEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}

	signer, err := sigv4.NewSigner(sigv4.SignerConfig{
		Credentials: config.Credentials,
		Region:      config.Region,
		// Object keys are escaped exactly once while building the URL.
		DisableURIPathEscaping: true,
	})
	if err != nil {
		return nil, err
	}

	client := retryhttp.NewClient(logger)
	client.CheckRetry = retryPolicy
	if config.MaxRetries > 0 {
		client.RetryMax = config.MaxRetries
	}
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &Executor{
		client:    client,
		signer:    signer,
		endpoint:  endpoint,
		region:    config.Region,
		pathStyle: config.UsePathStyle,
		logger:    logger,
	}, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errEmptyEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, errInvalidEndpoint(raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

// retryPolicy retries transport-level failures and throttling or server
// errors that are expected to be transient. Client errors, auth failures
// included, surface immediately.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}
