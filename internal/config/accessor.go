package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toMap round-trips the config through JSON so paths follow the json tags.
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

// GetByPath reads a value by dot path, e.g. "bridge.pollAttempts".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var cur any = m
	for _, key := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			cur = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", cur, key)
		}
	}
	return cur, nil
}

// SetByPath writes a value by dot path. Unknown leaf keys are rejected so a
// typo in `wabridge config set` does not silently do nothing.
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
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	leaf := parts[len(parts)-1]
	if _, ok := parent[leaf]; !ok && !optionalKeys[path] {
		return fmt.Errorf("key not found: %s", path)
	}
	parent[leaf] = parseValue(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	next := Defaults()
	if err := json.Unmarshal(data, next); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = *next
	return nil
}

// optionalKeys are omitempty fields that vanish from the map when unset.
var optionalKeys = map[string]bool{
	"general.logFile":                   true,
	"browser.remoteUrl":                 true,
	"bridge.profilePath":                true,
	"channels.websocket.allowedOrigins": true,
}

func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy with secrets masked, for `config list` and /status.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Channels.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Channels.Telegram.AllowFrom...)
	out.Channels.Discord.AllowFrom = append(FlexStringList(nil), cfg.Channels.Discord.AllowFrom...)
	out.Channels.Slack.AllowFrom = append(FlexStringList(nil), cfg.Channels.Slack.AllowFrom...)
	out.Channels.WebSocket.AllowedOrigins = append([]string(nil), cfg.Channels.WebSocket.AllowedOrigins...)

	for _, secret := range []*string{
		&out.Channels.Telegram.Token,
		&out.Channels.Discord.Token,
		&out.Channels.Slack.BotToken,
		&out.Channels.Slack.AppToken,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	if out.Channels.HTTP.Auth.PasswordHash != "" {
		out.Channels.HTTP.Auth.PasswordHash = "***"
	}
	return &out
}

// maskString keeps the first and last 4 characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot paths.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(path, sub, out)
			continue
		}
		out[path] = v
	}
}
