package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dotfiles looked up in the home directory. The legacy name is read when
// the default one does not exist.
const (
	DefaultFileName = ".onyphe"
	LegacyFileName  = ".aionyphe"
)

// Environment variables read by FromEnv.
const (
	EnvAPIKey        = "ONYPHE_API_KEY"
	EnvHost          = "ONYPHE_HOST"
	EnvProxyPassword = "ONYPHE_PROXY_PASSWORD"
	EnvRedisURL      = "ONYPHE_REDIS_URL"
)

// DefaultPath returns ~/.onyphe, falling back to ~/.aionyphe when only the
// legacy file exists. It returns "" when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, DefaultFileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		legacy := filepath.Join(home, LegacyFileName)
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}
	return path
}

// LoadFile reads a YAML (or JSON) config file. A missing file yields an empty layer.
func LoadFile(path string) (Layer, error) {
	if path == "" {
		return Layer{}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Layer{}, nil
	}
	if err != nil {
		return Layer{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var layer Layer
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return Layer{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return layer, nil
}

// FromEnv builds the environment layer using lookup (os.LookupEnv in production).
func FromEnv(lookup func(string) (string, bool)) Layer {
	var layer Layer
	vars := []struct {
		name string
		dst  **string
	}{
		{EnvAPIKey, &layer.APIKey},
		{EnvHost, &layer.Host},
		{EnvProxyPassword, &layer.ProxyPassword},
		{EnvRedisURL, &layer.RedisURL},
	}
	for _, v := range vars {
		if value, ok := lookup(v.name); ok && value != "" {
			*v.dst = ptr(value)
		}
	}
	return layer
}

// Keys whose values may be written as quoted numbers ("port": "8443").
var numericKeys = map[string]bool{
	"port":                true,
	"proxy_port":          true,
	"total":               true,
	"connect":             true,
	"sock_read":           true,
	"sock_connect":        true,
	"requests_per_second": true,
	"export_limit":        true,
}

// UnmarshalYAML decodes a layer, accepting quoted numbers for numeric keys.
func (l *Layer) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if numericKeys[node.Content[i].Value] {
				unquoteNumber(node.Content[i+1])
			}
		}
	}
	type plain Layer
	return node.Decode((*plain)(l))
}

func unquoteNumber(n *yaml.Node) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" {
		return
	}
	value := strings.TrimSpace(n.Value)
	if _, err := strconv.ParseFloat(value, 64); err != nil {
		return
	}
	n.Value = value
	n.Tag = ""
	n.Style = 0
}

// Headers are proxy CONNECT headers. In a config file they are either a
// mapping or a "Key:Value,Other:Value" string.
type Headers map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Headers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		parsed, err := ParseHeaders(raw)
		if err != nil {
			return err
		}
		*h = parsed
		return nil
	}
	var m map[string]string
	if err := node.Decode(&m); err != nil {
		return err
	}
	*h = m
	return nil
}

// ParseHeaders parses "Key:Value,Other:Value". Values may contain colons.
func ParseHeaders(s string) (Headers, error) {
	headers := make(Headers)
	if strings.TrimSpace(s) == "" {
		return headers, nil
	}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid proxy header %q: want key:value", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}
