package cache

import (
	"flag"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	defaultPrefixTag = "fact_v1"
	defaultMinTokens = 50
	defaultTTL       = time.Hour
	defaultMaxSize   = "10MB"
	defaultFillRatio = 0.8
	minTTL           = 60 * time.Second
	minFillRatio     = 0.5
	maxFillRatio     = 0.95
)

type Config struct {
	PrefixTag       string        `yaml:"prefix"`
	MinTokens       int           `yaml:"min_tokens"`
	TTL             time.Duration `yaml:"ttl"`
	MaxSize         string        `yaml:"max_size"`
	TargetFillRatio float64       `yaml:"target_fill_ratio"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.PrefixTag = defaultPrefixTag
	cfg.MinTokens = defaultMinTokens
	cfg.TTL = defaultTTL
	cfg.MaxSize = defaultMaxSize
	cfg.TargetFillRatio = defaultFillRatio

	f.StringVar(&cfg.PrefixTag, prefix+".prefix", cfg.PrefixTag, "Namespace tag applied to every cache entry.")
	f.IntVar(&cfg.MinTokens, prefix+".min-tokens", cfg.MinTokens, "Minimum token count for a response to be admitted to the cache.")
	f.DurationVar(&cfg.TTL, prefix+".ttl", cfg.TTL, "How long cache entries live before expiring.")
	f.StringVar(&cfg.MaxSize, prefix+".max-size", cfg.MaxSize, "Maximum total cache size, e.g. 10MB. K/M/G suffixes are binary units.")
	f.Float64Var(&cfg.TargetFillRatio, prefix+".target-fill-ratio", cfg.TargetFillRatio, "Fill ratio to evict down to when the cache exceeds its max size.")
}

func (cfg *Config) Validate() error {
	if cfg.PrefixTag == "" {
		return fmt.Errorf("prefix must not be empty")
	}
	if cfg.MinTokens < 1 {
		return fmt.Errorf("min_tokens must be at least 1, got %d", cfg.MinTokens)
	}
	if cfg.TTL < minTTL {
		return fmt.Errorf("ttl must be at least %s, got %s", minTTL, cfg.TTL)
	}
	if cfg.TargetFillRatio < minFillRatio || cfg.TargetFillRatio > maxFillRatio {
		return fmt.Errorf("target_fill_ratio must be between %.2f and %.2f, got %.2f", minFillRatio, maxFillRatio, cfg.TargetFillRatio)
	}
	if _, err := ParseSize(cfg.MaxSize); err != nil {
		return fmt.Errorf("max_size invalid: %w", err)
	}
	return nil
}

var sizeRegexp = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([KMGkmg]?)i?[Bb]?$`)

// ParseSize parses a size string such as "10MB" or "512K". The K/M/G
// suffixes are binary units.
func ParseSize(s string) (uint64, error) {
	m := sizeRegexp.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unparseable size %q", s)
	}

	// canonicalize to IEC so the parser treats suffixes as binary
	unit := "B"
	switch strings.ToUpper(m[2]) {
	case "K":
		unit = "KiB"
	case "M":
		unit = "MiB"
	case "G":
		unit = "GiB"
	}

	n, err := humanize.ParseBytes(m[1] + unit)
	if err != nil {
		return 0, fmt.Errorf("unparseable size %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be greater than 0, got %q", s)
	}
	return n, nil
}

// formatSize is used for logging only.
func formatSize(n uint64) string {
	return humanize.IBytes(n)
}
