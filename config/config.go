// Package config loads client configuration from the environment so CLI
// tools and CI steps can be wired without code changes.
package config

import (
	"fmt"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"

	"github.com/tidewave-io/go-s3kit/checksum"
	"github.com/tidewave-io/go-s3kit/multipart"
	"github.com/tidewave-io/go-s3kit/network"
	"github.com/tidewave-io/go-s3kit/sigv4"
)

// Environment variables read by Load.
const (
	EnvEndpoint        = "S3KIT_ENDPOINT"
	EnvRegion          = "S3KIT_REGION"
	EnvAccessKeyID     = "S3KIT_ACCESS_KEY_ID"
	EnvSecretAccessKey = "S3KIT_SECRET_ACCESS_KEY"
	EnvSessionToken    = "S3KIT_SESSION_TOKEN"
	EnvBucket          = "S3KIT_BUCKET"
	EnvUsePathStyle    = "S3KIT_USE_PATH_STYLE"
	EnvPartSize        = "S3KIT_PART_SIZE"
	EnvThreshold       = "S3KIT_MULTIPART_THRESHOLD"
	EnvConcurrency     = "S3KIT_CONCURRENCY"
	EnvChecksum        = "S3KIT_CHECKSUM"
)

// Secret is a string whose value never appears in logs or %v formatting.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretRedacted
}

// Config is the environment-derived client configuration.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey Secret
	SessionToken    Secret
	Bucket          string
	UsePathStyle    bool

	PartSize    int64
	Threshold   int64
	Concurrency int
	Checksum    checksum.Algorithm
}

// Load reads and validates the configuration. Sizes accept human-readable
// values like "16MiB"; unset optional values fall back to the uploader
// defaults.
func Load(envRepo env.Repository) (Config, error) {
	c := Config{
		Endpoint:        envRepo.Get(EnvEndpoint),
		Region:          envRepo.Get(EnvRegion),
		AccessKeyID:     envRepo.Get(EnvAccessKeyID),
		SecretAccessKey: Secret(envRepo.Get(EnvSecretAccessKey)),
		SessionToken:    Secret(envRepo.Get(EnvSessionToken)),
		Bucket:          envRepo.Get(EnvBucket),
	}

	if c.Endpoint == "" {
		return Config{}, missingError(EnvEndpoint)
	}
	if c.Region == "" {
		return Config{}, missingError(EnvRegion)
	}
	if c.AccessKeyID == "" {
		return Config{}, missingError(EnvAccessKeyID)
	}
	if c.SecretAccessKey == "" {
		return Config{}, missingError(EnvSecretAccessKey)
	}

	if raw := envRepo.Get(EnvUsePathStyle); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, parseError(EnvUsePathStyle, raw, err)
		}
		c.UsePathStyle = v
	}

	if raw := envRepo.Get(EnvPartSize); raw != "" {
		v, err := units.RAMInBytes(raw)
		if err != nil {
			return Config{}, parseError(EnvPartSize, raw, err)
		}
		c.PartSize = v
	}

	if raw := envRepo.Get(EnvThreshold); raw != "" {
		v, err := units.RAMInBytes(raw)
		if err != nil {
			return Config{}, parseError(EnvThreshold, raw, err)
		}
		c.Threshold = v
	}

	if raw := envRepo.Get(EnvConcurrency); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, parseError(EnvConcurrency, raw, err)
		}
		if v < 1 {
			return Config{}, fmt.Errorf("config: %s must be positive, got %d", EnvConcurrency, v)
		}
		c.Concurrency = v
	}

	if raw := envRepo.Get(EnvChecksum); raw != "" {
		algo := checksum.Algorithm(raw)
		if _, err := checksum.NewEngine(algo); err != nil {
			return Config{}, parseError(EnvChecksum, raw, err)
		}
		c.Checksum = algo
	}

	return c, nil
}

// Credentials returns the signing credential set.
func (c Config) Credentials() sigv4.Credentials {
	return sigv4.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: string(c.SecretAccessKey),
		SessionToken:    string(c.SessionToken),
	}
}

// NetworkConfig maps the loaded values onto an executor configuration.
func (c Config) NetworkConfig() network.Config {
	return network.Config{
		Endpoint:     c.Endpoint,
		Region:       c.Region,
		Credentials:  c.Credentials(),
		UsePathStyle: c.UsePathStyle,
	}
}

// UploadConfig maps the loaded values onto an uploader configuration.
func (c Config) UploadConfig() multipart.Config {
	return multipart.Config{
		PartSize:    c.PartSize,
		Threshold:   c.Threshold,
		Concurrency: c.Concurrency,
		Checksum:    c.Checksum,
	}
}

func missingError(name string) error {
	return fmt.Errorf("config: %s is required", name)
}

func parseError(name, value string, err error) error {
	return fmt.Errorf("config: invalid %s value %q: %v", name, value, err)
}
