package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard binds a set of instruments to an outbound source IP so that range
// fetches for them count against that address's exchange request weight.
type IPShard struct {
	IP          string       `yaml:"ip"`
	Instruments []Instrument `yaml:"instruments"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i, shard := range cfg.Shards {
		for j, inst := range shard.Instruments {
			if err := inst.Validate(); err != nil {
				return nil, fmt.Errorf("shards[%d].instruments[%d]: %w", i, j, err)
			}
		}
	}
	return &cfg, nil
}

// Apply appends the shard instruments to cfg, tagging each with its source IP.
// Instruments already listed in cfg keep the default route.
func (s *IPShards) Apply(cfg *Config) {
	seen := make(map[string]bool, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		seen[inst.String()] = true
	}
	for _, shard := range s.Shards {
		for _, inst := range shard.Instruments {
			if seen[inst.String()] {
				continue
			}
			inst.LocalIP = shard.IP
			cfg.Instruments = append(cfg.Instruments, inst)
			seen[inst.String()] = true
		}
	}
}
