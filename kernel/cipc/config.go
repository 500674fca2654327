package cipc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultEventCapacity = 16
	DefaultSegmentAlign  = 4096
	DefaultMaxTryCount   = 5
	DefaultRetrySleep    = time.Millisecond
	DefaultLockSpins     = 1 << 16
)

// Config holds construction-time settings for one core's view of the map
type Config struct {
	// Self is the core this context runs on
	Self Owner `yaml:"self"`
	// Host is the core whose SRAM carries the block
	Host Owner `yaml:"host"`
	// Master authors the map: only it stamps magics
	Master Owner `yaml:"master"`

	// PhysBase is the physical address of SRAM offset 0 on the host bus
	PhysBase        uint64 `yaml:"phys_base"`
	BootParamOffset uint32 `yaml:"boot_param_offset"`

	MaxTryCount int           `yaml:"max_try_count"`
	RetrySleep  time.Duration `yaml:"retry_sleep"`
	LockSpins   int           `yaml:"lock_spins"`

	StrictAlignment bool   `yaml:"strict_alignment"`
	SegmentAlign    uint32 `yaml:"segment_align"`
	EventCapacity   uint32 `yaml:"event_capacity"`

	EnableABOX bool `yaml:"enable_abox"`
	EnableGNSS bool `yaml:"enable_gnss"`

	// Users replaces the compiled-in descriptor table when set
	Users []UserDesc `yaml:"users,omitempty"`
}

// DefaultConfig returns the settings of an AP core talking to a CHUB-hosted map
func DefaultConfig() Config {
	return Config{
		Self:          OwnerAP,
		Host:          OwnerCHUB,
		Master:        OwnerCHUB,
		MaxTryCount:   DefaultMaxTryCount,
		RetrySleep:    DefaultRetrySleep,
		LockSpins:     DefaultLockSpins,
		SegmentAlign:  DefaultSegmentAlign,
		EventCapacity: DefaultEventCapacity,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the settings are usable
func (c Config) Validate() error {
	for name, o := range map[string]Owner{"self": c.Self, "host": c.Host, "master": c.Master} {
		if !o.Valid() {
			return fmt.Errorf("config %s: %w: %d", name, ErrInvalidOwner, uint32(o))
		}
	}
	if c.MaxTryCount < 1 {
		return fmt.Errorf("config: max_try_count must be at least 1")
	}
	if c.RetrySleep < 0 {
		return fmt.Errorf("config: retry_sleep must not be negative")
	}
	if c.SegmentAlign == 0 || c.SegmentAlign&(c.SegmentAlign-1) != 0 {
		return fmt.Errorf("config: segment_align %d is not a power of two", c.SegmentAlign)
	}
	return nil
}

// IsAuthor reports whether this core lays out and stamps the map
func (c Config) IsAuthor() bool {
	return c.Self == c.Master
}

// descriptors returns the active descriptor table
func (c Config) descriptors() []UserDesc {
	if len(c.Users) > 0 {
		return c.Users
	}
	return DefaultUsers(c)
}
