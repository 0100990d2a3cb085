package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshalling of strings like
// "30s" or "2h".
type Duration struct {
	value time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration failed: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration failed: %w", err)
	}
	d.value = parsed
	return nil
}

// Duration returns the underlying time.Duration.
func (d *Duration) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return d.value
}
