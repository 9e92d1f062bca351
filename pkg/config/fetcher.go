package config

import (
	"fmt"
	"time"
)

// FetcherConfig configures retrieval of workflow documents and
// dependency archives.
type FetcherConfig struct {
	MaxDocumentSize string             `yaml:"max_document_size" mapstructure:"max_document_size"`
	S3              ObjectStoreConfig  `yaml:"s3,omitempty" mapstructure:"s3"`
	GS              ObjectStoreConfig  `yaml:"gs,omitempty" mapstructure:"gs"`
	HTTP            HTTPFetcherConfig  `yaml:"http,omitempty" mapstructure:"http"`
	Local           LocalFetcherConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// ObjectStoreConfig contains settings for an S3-compatible object store.
type ObjectStoreConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// HTTPFetcherConfig configures fetching over HTTP(S).
type HTTPFetcherConfig struct {
	Timeout string            `yaml:"timeout" mapstructure:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// LocalFetcherConfig allows reading documents from the local filesystem.
// When Root is set, paths are resolved against it and may not escape it.
type LocalFetcherConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Root    string `yaml:"root,omitempty" mapstructure:"root"`
}

// GetMaxDocumentSize returns the document size limit in bytes.
func (c *FetcherConfig) GetMaxDocumentSize() int64 {
	size, err := parseSize(c.MaxDocumentSize)
	if err != nil {
		size, _ = parseSize(DefaultMaxDocumentSize)
	}

	return size
}

// GetHTTPTimeout returns the parsed HTTP fetch timeout.
func (c *FetcherConfig) GetHTTPTimeout() time.Duration {
	return mustDuration(c.HTTP.Timeout, DefaultQueryTimeout)
}

func (c *FetcherConfig) applyDefaults() {
	if c.MaxDocumentSize == "" {
		c.MaxDocumentSize = DefaultMaxDocumentSize
	}

	if c.HTTP.Timeout == "" {
		c.HTTP.Timeout = DefaultQueryTimeout
	}

	if c.GS.EndpointURL == "" {
		c.GS.EndpointURL = DefaultGSEndpoint
	}
}

// Validate checks the fetcher configuration for errors.
func (c *FetcherConfig) Validate() error {
	size, err := parseSize(c.MaxDocumentSize)
	if err != nil {
		return fmt.Errorf("max_document_size: %w", err)
	}

	if size <= 0 {
		return fmt.Errorf("max_document_size must be positive")
	}

	if _, err := time.ParseDuration(c.HTTP.Timeout); err != nil {
		return fmt.Errorf("invalid http.timeout %q: %w", c.HTTP.Timeout, err)
	}

	return nil
}
