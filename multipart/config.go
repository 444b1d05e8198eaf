package multipart

import (
	"fmt"
	"runtime"
	"time"

	"github.com/docker/go-units"

	"github.com/tidewave-io/go-s3kit/checksum"
)

// Protocol limits for multipart uploads.
const (
	MinPartSize  = 5 * units.MiB
	MaxPartSize  = 5 * units.GiB
	MaxPartCount = 10000
)

// DefaultPartSize balances per-part overhead against retry cost.
const DefaultPartSize = 16 * units.MiB

// Config holds configuration for the upload coordinator.
type Config struct {
	// PartSize is the target part size in bytes. It is clamped to the
	// protocol's [5 MiB, 5 GiB] range and grown when the payload would
	// otherwise exceed the part-count limit.
	// Default: 16 MiB
	PartSize int64

	// Threshold is the payload size above which a known-size upload switches
	// from a single request to a multipart upload.
	// Default: PartSize
	Threshold int64

	// Concurrency is the maximum number of parallel part uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerPart is the number of coordinator-level attempts per part,
	// on top of the transport's own retries.
	// Default: 3
	MaxRetryPerPart int

	// RetryWait is the pause between part attempts.
	// Default: 2 seconds
	RetryWait time.Duration

	// Checksum selects an integrity algorithm applied to every part and
	// carried into the completion request. Empty disables checksums.
	Checksum checksum.Algorithm
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PartSize:        DefaultPartSize,
		Concurrency:     DefaultConcurrency(),
		MaxRetryPerPart: 3,
		RetryWait:       2 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PartSize <= 0 {
		c.PartSize = defaults.PartSize
	}
	if c.PartSize < MinPartSize {
		c.PartSize = MinPartSize
	}
	if c.PartSize > MaxPartSize {
		c.PartSize = MaxPartSize
	}
	if c.Threshold <= 0 {
		c.Threshold = c.PartSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxRetryPerPart <= 0 {
		c.MaxRetryPerPart = defaults.MaxRetryPerPart
	}
	if c.RetryWait <= 0 {
		c.RetryWait = defaults.RetryWait
	}
	return c
}

func (c Config) validate() error {
	if c.Checksum != "" {
		if _, err := checksum.NewEngine(c.Checksum); err != nil {
			return fmt.Errorf("multipart: %w", err)
		}
		if c.Checksum == checksum.MD5 {
			return fmt.Errorf("multipart: MD5 cannot be used as a part checksum")
		}
	}
	return nil
}

// OptimalPartSize suggests a part size for a payload of the given total
// size, aiming to keep every worker busy without creating oversized parts.
func OptimalPartSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	ps := totalSize / int64(concurrency)

	// Halve very large parts to improve parallelism on retry.
	if ps >= 100*units.MiB {
		ps /= 2
	}

	if ps < DefaultPartSize {
		ps = DefaultPartSize
	}
	if ps > MaxPartSize {
		ps = MaxPartSize
	}
	return ps
}
