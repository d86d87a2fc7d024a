package config

import "time"

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	Filters FiltersConfig `yaml:"filters"`
	Query   QueryConfig   `yaml:"query"`
}

type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
	// InMemory is for tests and local experiments only; nothing survives
	// a restart.
	InMemory bool `yaml:"in_memory"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type FiltersConfig struct {
	// Timeout is the inactivity window after which an idle filter is
	// uninstalled. Zero disables expiry.
	Timeout time.Duration `yaml:"timeout"`
}

type QueryConfig struct {
	// MaxAddresses bounds the address set of a single query. Zero means
	// unbounded.
	MaxAddresses int `yaml:"max_addresses"`
	// MaxTopics bounds the number of topic positions. Defaults to the
	// protocol maximum of 4.
	MaxTopics int `yaml:"max_topics"`
	// MaxBlockRange bounds fromBlock..toBlock spans. Zero means unbounded.
	MaxBlockRange uint64 `yaml:"max_block_range"`
}

const (
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix = "chain"
	DefaultFilterTimeout = 5 * time.Minute
	DefaultMaxTopics     = 4
)

func (c *Config) ApplyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Filters.Timeout == 0 {
		c.Filters.Timeout = DefaultFilterTimeout
	}
	if c.Query.MaxTopics == 0 {
		c.Query.MaxTopics = DefaultMaxTopics
	}
}
