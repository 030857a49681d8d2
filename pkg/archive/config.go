// Package archive uploads the output directories of finished sub-jobs to
// S3-compatible object storage.
package archive

import "github.com/3leaps/graspatracker/pkg/manifest"

// Config configures the S3 client and upload behaviour.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Region is the AWS region. When empty and no Endpoint is set, the SDK
	// chain is consulted and us-east-1 is the fallback.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle is usually needed with Endpoint.
	ForcePathStyle bool

	// Concurrency bounds parallel uploads per sub-job. Default: 4.
	Concurrency int

	// IncludePartial also archives PARTIALLY_COMPLETE sub-jobs.
	IncludePartial bool
}

// DefaultAWSRegion is the fallback region for AWS S3.
const DefaultAWSRegion = "us-east-1"

// MarkerFile is written into a sub-job output directory once it is archived.
const MarkerFile = ".archived"

// ConfigFromManifest maps the manifest's archive section.
func ConfigFromManifest(a manifest.ArchiveConfig) Config {
	return Config{
		Bucket:         a.Bucket,
		Prefix:         a.Prefix,
		Region:         a.Region,
		Endpoint:       a.Endpoint,
		Profile:        a.Profile,
		ForcePathStyle: a.Endpoint != "",
		Concurrency:    a.Concurrency,
		IncludePartial: a.IncludePartial,
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

func resolveRegion(configured, endpoint, resolved string) string {
	if configured != "" {
		return configured
	}
	if resolved != "" {
		return resolved
	}
	if endpoint != "" {
		return ""
	}
	return DefaultAWSRegion
}
