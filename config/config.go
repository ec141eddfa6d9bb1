// Package config loads glyph configuration from a YAML file and GLYPH_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fault"
	"xdao.co/glyph/keys"
	"xdao.co/glyph/resonance"
	"xdao.co/glyph/timeindex"
)

// Config contains all glyph settings.
type Config struct {
	// DataDir holds the ledger database and the glyph record store.
	DataDir string `yaml:"data_dir"`

	Crystal CrystalConfig `yaml:"crystal"`
	Index   IndexConfig   `yaml:"index"`
	Seal    SealConfig    `yaml:"seal"`
	Records RecordsConfig `yaml:"records"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// CrystalConfig configures crystallization.
type CrystalConfig struct {
	// Threshold is required; there is no default.
	Threshold *float64 `yaml:"threshold"`
	MaxDepth  int      `yaml:"max_depth"`
	HalfLife  float64  `yaml:"half_life"`
	// CacheSize bounds the engine's chord state cache; 0 uses the default.
	CacheSize int `yaml:"cache_size"`
}

// IndexConfig configures the spiral time index.
type IndexConfig struct {
	// GrowthPeriod is the number of inserts over which the radius grows by φ.
	GrowthPeriod float64 `yaml:"growth_period"`
}

// SealConfig enables glyph sealing when Algorithm is set.
type SealConfig struct {
	Algorithm string `yaml:"algorithm"`
	Hash      string `yaml:"hash"`
	SeedFile  string `yaml:"seed_file"`
}

// RecordsConfig adds extra record stores around the ledger's own. Entries
// are store locations: a directory, "localfs:<dir>" or "ipfs:[<IPFS_PATH>]".
type RecordsConfig struct {
	// Mirrors receive a copy of every record written.
	Mirrors []string `yaml:"mirrors"`
	// Archives are read-only fallbacks consulted after the primary store.
	Archives []string `yaml:"archives"`
}

// ServerConfig configures glyphd.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	MaxMsgBytes   int    `yaml:"max_msg_bytes"`
	// RequireSeal makes Register reject unsealed records.
	RequireSeal bool `yaml:"require_seal"`
}

// LoggingConfig sets the log verbosity: "info" (default), "debug" or "trace".
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with every default except the threshold.
func Default() *Config {
	return &Config{
		DataDir: "glyph-data",
		Crystal: CrystalConfig{
			MaxDepth: crystal.DefaultMaxDepth,
			HalfLife: resonance.DefaultHalfLife,
		},
		Index: IndexConfig{GrowthPeriod: timeindex.DefaultGrowthPeriod},
		Seal:  SealConfig{Hash: "sha256"},
		Server: ServerConfig{
			Listen:        "127.0.0.1:7465",
			MetricsListen: "127.0.0.1:9465",
			MaxMsgBytes:   4 << 20,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Seal.SeedFile = os.ExpandEnv(cfg.Seal.SeedFile)
	return cfg, nil
}

// Validate checks the configuration. A missing or out-of-range threshold is
// reported as ThresholdMisconfigured.
func (c *Config) Validate() error {
	if c.Crystal.Threshold == nil {
		return fault.New(fault.ThresholdMisconfigured, "GLYPH-CFG-001", "crystal.threshold is required")
	}
	if t := *c.Crystal.Threshold; math.IsNaN(t) || t <= 0 || t > 1 {
		return fault.New(fault.ThresholdMisconfigured, "GLYPH-CFG-001", fmt.Sprintf("crystal.threshold must be in (0, 1], got %v", t))
	}
	if c.Crystal.MaxDepth < 1 {
		return fmt.Errorf("crystal.max_depth must be positive, got %d", c.Crystal.MaxDepth)
	}
	if !(c.Crystal.HalfLife > 0) {
		return fmt.Errorf("crystal.half_life must be positive, got %v", c.Crystal.HalfLife)
	}
	if c.Crystal.CacheSize < 0 {
		return fmt.Errorf("crystal.cache_size must not be negative, got %d", c.Crystal.CacheSize)
	}
	if !(c.Index.GrowthPeriod > 0) || math.IsInf(c.Index.GrowthPeriod, 0) {
		return fmt.Errorf("index.growth_period must be positive, got %v", c.Index.GrowthPeriod)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Seal.Algorithm {
	case "":
	case keys.AlgEd25519, keys.AlgDilithium3:
		if c.Seal.SeedFile == "" {
			return fmt.Errorf("seal.seed_file is required when seal.algorithm is set")
		}
		switch c.Seal.Hash {
		case "sha256", "sha512", "sha3-256":
		default:
			return fmt.Errorf("invalid seal.hash: %s (valid: sha256, sha512, sha3-256)", c.Seal.Hash)
		}
	default:
		return fmt.Errorf("invalid seal.algorithm: %s (valid: ed25519, dilithium3, or empty)", c.Seal.Algorithm)
	}
	if c.Server.MaxMsgBytes < 0 {
		return fmt.Errorf("server.max_msg_bytes must be non-negative, got %d", c.Server.MaxMsgBytes)
	}
	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}
	return nil
}

// EngineConfig returns the crystallization engine configuration. Call
// Validate first.
func (c *Config) EngineConfig() crystal.Config {
	var t float64
	if c.Crystal.Threshold != nil {
		t = *c.Crystal.Threshold
	}
	return crystal.Config{Threshold: t, MaxDepth: c.Crystal.MaxDepth, HalfLife: c.Crystal.HalfLife, CacheSize: c.Crystal.CacheSize}
}

// Sealer builds the configured sealer, or nil when sealing is off.
func (c *Config) Sealer() (keys.Sealer, error) {
	if c.Seal.Algorithm == "" {
		return nil, nil
	}
	seed, err := keys.LoadSeedFile(c.Seal.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("seal seed: %w", err)
	}
	derived, err := keys.DeriveSeed(seed, c.Seal.Algorithm)
	if err != nil {
		return nil, err
	}
	return keys.NewSealer(c.Seal.Algorithm, c.Seal.Hash, derived)
}

func applyEnvOverrides(c *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = f
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("GLYPH_DATA_DIR", &c.DataDir)
	if v, ok := lookup("GLYPH_THRESHOLD"); ok && v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GLYPH_THRESHOLD: %w", err)
		}
		c.Crystal.Threshold = &t
	}
	if err := integer("GLYPH_MAX_DEPTH", &c.Crystal.MaxDepth); err != nil {
		return err
	}
	if err := float("GLYPH_HALF_LIFE", &c.Crystal.HalfLife); err != nil {
		return err
	}
	if err := float("GLYPH_GROWTH_PERIOD", &c.Index.GrowthPeriod); err != nil {
		return err
	}
	str("GLYPH_SEAL_ALGORITHM", &c.Seal.Algorithm)
	str("GLYPH_SEAL_HASH", &c.Seal.Hash)
	str("GLYPH_SEAL_SEED_FILE", &c.Seal.SeedFile)
	str("GLYPH_LISTEN", &c.Server.Listen)
	str("GLYPH_METRICS_LISTEN", &c.Server.MetricsListen)
	if v, ok := lookup("GLYPH_REQUIRE_SEAL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GLYPH_REQUIRE_SEAL: %w", err)
		}
		c.Server.RequireSeal = b
	}
	str("GLYPH_LOG_LEVEL", &c.Logging.Level)
	return nil
}
