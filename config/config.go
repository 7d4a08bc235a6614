// Package config holds the engine's recognized configuration options,
// built through functional options with an additional TOML file loader
// for the cases where options are checked into a config file rather
// than set in code.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

const (
	DefaultMaxMemtableBytes = 4 * 1024 * 1024 // 4MB
	DefaultBloomFPR         = 0.01
)

// Options holds the engine's recognized configuration. WalSync is
// always true for this engine; there is no option to disable it. The
// field exists only so callers loading a historical config file get a
// clear error instead of silent misbehavior.
type Options struct {
	MaxMemtableBytes       uint64
	CompactionIntervalSecs uint64
	UseBloomFilter         bool
	BloomFPR               float64
	WalSync                bool
}

// Option configures an Options value.
type Option func(*Options)

func WithMaxMemtableBytes(n uint64) Option {
	return func(o *Options) { o.MaxMemtableBytes = n }
}

func WithCompactionInterval(secs uint64) Option {
	return func(o *Options) { o.CompactionIntervalSecs = secs }
}

func WithBloomFilter(enabled bool, fpr float64) Option {
	return func(o *Options) {
		o.UseBloomFilter = enabled
		o.BloomFPR = fpr
	}
}

// New builds an Options value with engine defaults, then applies opts in
// order.
func New(opts ...Option) (Options, error) {
	o := Options{
		MaxMemtableBytes: DefaultMaxMemtableBytes,
		UseBloomFilter:   true,
		BloomFPR:         DefaultBloomFPR,
		WalSync:          true,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o, o.validate()
}

func (o Options) validate() error {
	if o.MaxMemtableBytes == 0 {
		return fmt.Errorf("config: max_memtable_bytes must be > 0")
	}
	if o.UseBloomFilter && (o.BloomFPR <= 0 || o.BloomFPR >= 1) {
		return fmt.Errorf("config: bloom_fpr must be in (0,1), got %v", o.BloomFPR)
	}
	if !o.WalSync {
		return fmt.Errorf("config: wal_sync=false is out of scope for this engine")
	}
	return nil
}

// fileOptions mirrors the recognized keys for TOML-based config, using
// the snake_case names a deployed config file would carry.
type fileOptions struct {
	MaxMemtableBytes       uint64  `toml:"max_memtable_bytes"`
	CompactionIntervalSecs uint64  `toml:"compaction_interval_secs"`
	UseBloomFilter         bool    `toml:"use_bloom_filter"`
	BloomFPR               float64 `toml:"bloom_fpr"`
	WalSync                bool    `toml:"wal_sync"`
}

// LoadFile reads engine configuration from a TOML file. Missing keys fall
// back to the engine defaults from New(); unknown keys are an error,
// since a typo'd option silently taking the default is worse than a
// startup failure for a durability-critical store.
func LoadFile(path string) (Options, error) {
	var fo fileOptions
	fo.MaxMemtableBytes = DefaultMaxMemtableBytes
	fo.UseBloomFilter = true
	fo.BloomFPR = DefaultBloomFPR
	fo.WalSync = true

	meta, err := toml.DecodeFile(path, &fo)
	if err != nil {
		return Options{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Options{}, fmt.Errorf("config: unrecognized keys in %s: %v", path, undecoded)
	}

	o := Options{
		MaxMemtableBytes:       fo.MaxMemtableBytes,
		CompactionIntervalSecs: fo.CompactionIntervalSecs,
		UseBloomFilter:         fo.UseBloomFilter,
		BloomFPR:               fo.BloomFPR,
		WalSync:                fo.WalSync,
	}

	return o, o.validate()
}
