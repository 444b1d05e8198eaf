package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave-io/go-s3kit/checksum"
)

type fakeEnvRepository map[string]string

func (f fakeEnvRepository) Get(key string) string { return f[key] }

func (f fakeEnvRepository) Set(key, value string) error {
	f[key] = value
	return nil
}

func (f fakeEnvRepository) Unset(key string) error {
	delete(f, key)
	return nil
}

func (f fakeEnvRepository) List() []string {
	var out []string
	for k, v := range f {
		out = append(out, k+"="+v)
	}
	return out
}

func validEnv() fakeEnvRepository {
	return fakeEnvRepository{
		EnvEndpoint:        "https://gateway.internal:9000",
		EnvRegion:          "us-east-1",
		EnvAccessKeyID:     "AKIDEXAMPLE",
		EnvSecretAccessKey: "topsecret",
		EnvBucket:          "artifacts",
	}
}

func TestLoad(t *testing.T) {
	envs := validEnv()
	envs[EnvUsePathStyle] = "true"
	envs[EnvPartSize] = "32MiB"
	envs[EnvThreshold] = "64MiB"
	envs[EnvConcurrency] = "8"
	envs[EnvChecksum] = "CRC32C"

	c, err := Load(envs)
	require.NoError(t, err)

	assert.Equal(t, "https://gateway.internal:9000", c.Endpoint)
	assert.Equal(t, "artifacts", c.Bucket)
	assert.True(t, c.UsePathStyle)
	assert.EqualValues(t, 32*1024*1024, c.PartSize)
	assert.EqualValues(t, 64*1024*1024, c.Threshold)
	assert.Equal(t, 8, c.Concurrency)
	assert.Equal(t, checksum.CRC32C, c.Checksum)

	creds := c.Credentials()
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "topsecret", creds.SecretAccessKey)

	network := c.NetworkConfig()
	assert.Equal(t, c.Endpoint, network.Endpoint)
	assert.True(t, network.UsePathStyle)

	upload := c.UploadConfig()
	assert.EqualValues(t, 32*1024*1024, upload.PartSize)
	assert.Equal(t, checksum.CRC32C, upload.Checksum)
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(validEnv())
	require.NoError(t, err)

	assert.False(t, c.UsePathStyle)
	assert.Zero(t, c.PartSize)
	assert.Zero(t, c.Concurrency)
	assert.Empty(t, c.Checksum)
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, name := range []string{EnvEndpoint, EnvRegion, EnvAccessKeyID, EnvSecretAccessKey} {
		t.Run(name, func(t *testing.T) {
			envs := validEnv()
			delete(envs, name)

			_, err := Load(envs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		EnvUsePathStyle: "maybe",
		EnvPartSize:     "lots",
		EnvThreshold:    "-",
		EnvConcurrency:  "0",
		EnvChecksum:     "CRC16",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			envs := validEnv()
			envs[name] = value

			_, err := Load(envs)
			assert.Error(t, err)
		})
	}
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Empty(t, Secret("").String())
}
