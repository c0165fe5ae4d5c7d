// Package config loads the worker's on-disk JSON configuration, following
// moby's shadow-struct UnmarshalJSON pattern (daemon/config.
// BuilderGCRule.UnmarshalJSON) to accept deprecated field names alongside
// current ones and apply defaults in one place.
package config

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

const (
	DefaultCacheSize = "1GB"
	DefaultInlineMax = "1048576" // 1 MiB; FromHumanSize would read "1MiB" as 1,000,000
	DefaultCacheRoot = "/var/lib/maelstrom/worker"
)

// Config is the worker's resolved runtime configuration: byte-size fields
// are parsed from docker/go-units strings like "500MB" at load time.
type Config struct {
	Slots       int
	CacheSize   uint64
	InlineLimit uint64
	CacheRoot   string
	BrokerAddr  string
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var xx struct {
		Slots       int    `json:"slots,omitempty"`
		CacheSize   string `json:"cache_size,omitempty"`
		InlineLimit string `json:"inline_limit,omitempty"`
		CacheRoot   string `json:"cache_root,omitempty"`
		BrokerAddr  string `json:"broker_addr"`

		// Deprecated alias, equivalent to cache_size.
		CacheBytesLimit string `json:"cache_bytes_limit,omitempty"`
	}
	if err := json.Unmarshal(data, &xx); err != nil {
		return err
	}

	c.Slots = xx.Slots
	if c.Slots == 0 {
		c.Slots = runtime.NumCPU()
	}

	cacheSize := xx.CacheSize
	if cacheSize == "" {
		cacheSize = xx.CacheBytesLimit
	}
	if cacheSize == "" {
		cacheSize = DefaultCacheSize
	}
	n, err := units.FromHumanSize(cacheSize)
	if err != nil {
		return errors.Wrapf(err, "config: parse cache_size %q", cacheSize)
	}
	c.CacheSize = uint64(n)

	inlineLimit := xx.InlineLimit
	if inlineLimit == "" {
		inlineLimit = DefaultInlineMax
	}
	n, err = units.FromHumanSize(inlineLimit)
	if err != nil {
		return errors.Wrapf(err, "config: parse inline_limit %q", inlineLimit)
	}
	c.InlineLimit = uint64(n)

	c.CacheRoot = xx.CacheRoot
	if c.CacheRoot == "" {
		c.CacheRoot = DefaultCacheRoot
	}
	c.BrokerAddr = xx.BrokerAddr
	return nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return &c, nil
}
