package config

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// sectionDecoders maps each top-level YAML key to the Config field it
// updates. Keys not listed here are ignored during merge.
//
//nolint:gochecknoglobals // Compile-time constant lookup table.
var sectionDecoders = map[string]func(target *Config, node *yaml.Node) error{
	"cache":       func(c *Config, n *yaml.Node) error { return mergeSection(n, &c.Cache) },
	"store":       func(c *Config, n *yaml.Node) error { return mergeSection(n, &c.Store) },
	"logging":     func(c *Config, n *yaml.Node) error { return mergeSection(n, &c.Logging) },
	"rate_limits": func(c *Config, n *yaml.Node) error { return mergeSection(n, &c.RateLimits) },
}

// mergeSection decodes node over a copy of *dst and assigns the result, so
// fields absent from the section keep their current values and map entries
// are added or replaced per key. dst is untouched when decoding fails.
func mergeSection[T any](node *yaml.Node, dst *T) error {
	v := cloneSection(*dst)
	if err := node.Decode(&v); err != nil {
		return err
	}
	*dst = v
	return nil
}

// MergeYAML loads a YAML file and merges it onto the target Config.
// Fields set in the file override the target; everything else, including
// the defaults from New, is left unchanged.
func MergeYAML(target *Config, overlayPath string) error {
	if target == nil {
		return errors.New("nil target *Config in MergeYAML")
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("reading overlay file %s: %w", overlayPath, err)
	}
	if err := mergeYAML(target, data); err != nil {
		return fmt.Errorf("%s: %w", overlayPath, err)
	}
	return nil
}

func mergeYAML(target *Config, data []byte) error {
	var overlay map[string]yaml.Node
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing overlay YAML: %w", err)
	}

	for key, node := range overlay {
		decode, ok := sectionDecoders[key]
		if !ok {
			continue
		}
		if err := decode(target, &node); err != nil {
			return fmt.Errorf("applying overlay section %q: %w", key, err)
		}
	}
	return nil
}

// cloneSection copies the maps held by a section so decoding into the copy
// cannot reach the original.
func cloneSection[T any](v T) T {
	switch s := any(&v).(type) {
	case *CacheConfig:
		s.TTLSeconds = maps.Clone(s.TTLSeconds)
		s.StaleGraceByCategory = maps.Clone(s.StaleGraceByCategory)
	case *map[string]RateLimitConfig:
		*s = maps.Clone(*s)
	}
	return v
}
