package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "driver.kind").
// Numeric segments index into arrays ("schedules.0.cron").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. String values are
// coerced to bool or number when they parse as one. Missing intermediate
// objects are created, so map entries such as "driver.slack.channels.ops"
// can be added.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			next := make(map[string]any)
			parent[key] = next
			parent = next
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
		parent = childMap
	}
	parent[parts[len(parts)-1]] = parseValue(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("cannot set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// parseValue converts string values to bool or number when they parse as one.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with tokens masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return cfg
	}

	for _, secret := range []*string{
		&c.Driver.Telegram.Token,
		&c.Driver.Slack.BotToken,
		&c.Driver.Discord.Token,
		&c.Driver.Remote.Token,
		&c.Agent.Token,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value, sorted by path.
func ListPaths(cfg *Config) []PathValue {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	var out []PathValue
	flatten("", m, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// PathValue is one leaf of the config tree.
type PathValue struct {
	Path  string
	Value any
}

func flatten(prefix string, v any, out *[]PathValue) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 && prefix != "" {
			*out = append(*out, PathValue{Path: prefix, Value: val})
		}
		for k, child := range val {
			flatten(join(k), child, out)
		}
	case []any:
		if len(val) == 0 {
			*out = append(*out, PathValue{Path: prefix, Value: val})
		}
		for i, child := range val {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	default:
		*out = append(*out, PathValue{Path: prefix, Value: val})
	}
}
