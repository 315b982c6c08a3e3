// Package config loads the named options of §6 into a typed Config,
// parsed from a TOML file (the format lindb's stack uses for this
// concern) with the handful of deployment-time values torua's getenv
// helper covers (port, peer addresses) overridable by environment
// variable on top of the file. Validation aggregates every violation with
// hashicorp/go-multierror rather than failing on the first bad field, so
// an operator sees every misconfigured key in one run (§7's Configuration
// error kind is always fatal, but should be informative on the way out).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/jcelaya/stars/internal/wire"
)

// Config is the fully-resolved set of §6's named options for one peer.
type Config struct {
	Port uint16 `toml:"port"`

	UpdateBandwidth float64 `toml:"update_bw"` // bytes/sec cap on upward availability updates

	SlownessRatio float64 `toml:"slowness_ratio"` // FSP beta
	MMPBeta       float64 `toml:"mmp_beta"`       // MM target-queue-end multiplier, (0,1]

	Heartbeat      time.Duration `toml:"-"`
	HeartbeatSecs  int           `toml:"heartbeat"`
	SubmitRetries  int           `toml:"submit_retries"`
	AvailMemory    uint64        `toml:"avail_mem"`
	AvailDisk      uint64        `toml:"avail_disk"`
	Power          float64       `toml:"power"`

	PolicyName string        `toml:"policy"` // one of {IB, MM, DP, FSP}
	Policy     wire.PolicyTag `toml:"-"`

	AggregationClusters int `toml:"aggregation_clusters"` // K, >= 4

	RequestTimeout     time.Duration `toml:"-"`
	RequestTimeoutSecs int           `toml:"request_timeout"`

	PersistPath string `toml:"persist_path"` // optional; empty disables persistence
}

// Default returns a Config with the conservative defaults spec.md §6
// implies for any field a deployment does not override.
func Default() Config {
	return Config{
		Port:                9000,
		UpdateBandwidth:     65536,
		SlownessRatio:       1.2,
		MMPBeta:             0.9,
		HeartbeatSecs:       5,
		SubmitRetries:       3,
		AvailMemory:         1 << 30,
		AvailDisk:           10 << 30,
		Power:               1.0,
		PolicyName:          "IB",
		AggregationClusters: 64,
		RequestTimeoutSecs:  30,
	}
}

// Load reads path as TOML into Config, layers the handful of
// deployment-time environment overrides on top, and validates the
// result. Returns a staerr-free but otherwise identical *multierror.Error
// aggregating every validation failure found; the caller should treat any
// returned error as §7's Configuration kind (fatal).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := resolve(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, validate(cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STARS_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Port = uint16(p)
		}
	}
	if v := os.Getenv("STARS_POLICY"); v != "" {
		cfg.PolicyName = v
	}
	if v := os.Getenv("STARS_AVAIL_MEM"); v != "" {
		if m, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.AvailMemory = m
		}
	}
	if v := os.Getenv("STARS_AVAIL_DISK"); v != "" {
		if d, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.AvailDisk = d
		}
	}
}

// resolve derives the duration/tag fields the TOML/env layer only sets in
// their scalar wire form (seconds, a policy name string).
func resolve(cfg *Config) error {
	cfg.Heartbeat = time.Duration(cfg.HeartbeatSecs) * time.Second
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSecs) * time.Second

	switch cfg.PolicyName {
	case "IB":
		cfg.Policy = wire.PolicyIB
	case "MM":
		cfg.Policy = wire.PolicyMM
	case "DP":
		cfg.Policy = wire.PolicyDP
	case "FSP":
		cfg.Policy = wire.PolicyFSP
	default:
		return fmt.Errorf("config: unknown policy %q", cfg.PolicyName)
	}
	return nil
}

// validate aggregates every constraint violation across the whole Config
// rather than returning on the first, so a misconfigured deployment's
// operator sees the complete list in one run.
func validate(cfg Config) error {
	var errs *multierror.Error

	if cfg.Port == 0 {
		errs = multierror.Append(errs, fmt.Errorf("port must be nonzero"))
	}
	if cfg.UpdateBandwidth <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("update_bw must be positive"))
	}
	if cfg.MMPBeta <= 0 || cfg.MMPBeta > 1 {
		errs = multierror.Append(errs, fmt.Errorf("mmp_beta must be in (0, 1], got %v", cfg.MMPBeta))
	}
	if cfg.SlownessRatio <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("slowness_ratio must be positive"))
	}
	if cfg.HeartbeatSecs <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("heartbeat must be positive"))
	}
	if cfg.SubmitRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("submit_retries must not be negative"))
	}
	if cfg.AggregationClusters < 4 {
		errs = multierror.Append(errs, fmt.Errorf("aggregation_clusters must be >= 4, got %d", cfg.AggregationClusters))
	}
	if cfg.RequestTimeoutSecs <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("request_timeout must be positive"))
	}

	return errs.ErrorOrNil()
}
