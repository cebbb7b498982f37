// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config defines the fuzzer's run configuration, loaded from a
// YAML file the way warren's "apply" command loads a resource file, with
// defaults matching the reference implementation's argparse flags.
package config

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy selects which guider/mutation strategy a worker uses for one
// run, mirroring FuzzerType in the reference implementation.
type Strategy string

const (
	StrategyModelFuzz Strategy = "modelfuzz"
	StrategyRandom    Strategy = "random"
	StrategyTrace     Strategy = "trace"
)

// Config holds everything one experiment needs to run: cluster shape,
// fuzzing budget, mutation behavior, and where to read/write state.
type Config struct {
	// Run parameters.
	Workers     int      `yaml:"workers"`
	Timeout     int      `yaml:"timeout"` // seconds
	ServerCmd   []string `yaml:"server_cmd"`
	ClientCmd   []string `yaml:"client_cmd"`
	OracleURL   string   `yaml:"oracle_url"`

	// Output locations.
	SaveDir   string `yaml:"save_dir"`
	ResultDir string `yaml:"result_dir"`
	ErrorsDir string `yaml:"errors_dir"`

	// Experiment parameters.
	Seed        string     `yaml:"seed"`
	Experiments int        `yaml:"experiments"`
	Strategies  []Strategy `yaml:"strategies"`

	// Fuzzer parameters.
	Iterations           int `yaml:"iterations"`
	Nodes                int `yaml:"nodes"`
	ClientRequests       int `yaml:"client_requests"`
	SeedPopulation       int `yaml:"seed_population"`
	SeedFrequency        int `yaml:"seed_frequency"`
	CrashQuota           int `yaml:"crash_quota"`
	Steps                int `yaml:"steps"`
	MaxMessages          int `yaml:"max_messages"`
	MutationCount        int `yaml:"mutation_count"`
	MutationsPerSchedule int `yaml:"mutations_per_schedule"`

	BaseNetworkPort  int `yaml:"base_network_port"`
	BaseListenerPort int `yaml:"base_listener_port"`
	BaseNodePort     int `yaml:"base_node_port"`
}

// Default returns the configuration the reference implementation's CLI
// defaults to when no flags are given.
func Default() Config {
	return Config{
		Workers:              5,
		Timeout:              60,
		SaveDir:              "./output/saved",
		ResultDir:            "./output/results",
		ErrorsDir:            "./output/errors",
		OracleURL:            "http://127.0.0.1:2023",
		Seed:                 "delft",
		Experiments:          1,
		Strategies:           []Strategy{StrategyModelFuzz, StrategyRandom, StrategyTrace},
		Iterations:           100,
		Nodes:                3,
		ClientRequests:       3,
		SeedPopulation:       20,
		SeedFrequency:        200,
		CrashQuota:           5,
		Steps:                500,
		MaxMessages:          5,
		MutationCount:        10,
		MutationsPerSchedule: 5,
		BaseNetworkPort:      7071,
		BaseListenerPort:     10000,
		BaseNodePort:         6000,
	}
}

// Load reads a YAML config file and overlays it on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants Load and Default alone can't guarantee,
// e.g. after a YAML overlay changes seed_frequency or workers.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.SeedFrequency%c.Workers != 0 {
		return fmt.Errorf("config: seed_frequency (%d) must be divisible by workers (%d)", c.SeedFrequency, c.Workers)
	}
	if c.Nodes <= 0 {
		return fmt.Errorf("config: nodes must be positive")
	}
	if c.CrashQuota < 0 {
		return fmt.Errorf("config: crash_quota must not be negative")
	}
	return nil
}

// SeedInt64 derives a deterministic int64 seed from the config's string
// seed, the Go equivalent of the reference implementation's use of
// Python's string hash() to seed its PRNG.
func SeedInt64(seed string) int64 {
	sum := sha256.Sum256([]byte(seed))
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1) // keep it non-negative
}
