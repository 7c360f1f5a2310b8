package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey pulls other config files into the document. The value is a
// path or list of paths, resolved relative to the including file. Included
// files merge first, so the including file wins on conflicts.
//
// Environment expansion runs over the raw bytes before parsing, which eats
// a literal $include key, so the bare spelling "include" is accepted too.
const includeKey = "$include"

// Load reads the file at path, resolves includes, expands ${VAR}
// references, and strict-decodes the result over Default. Unknown keys are
// an error.
func Load(path string) (Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return Config{}, err
	}
	return decodeRaw(raw)
}

// LoadOrDefault behaves like Load but returns Default when the file does
// not exist, so a fresh install runs without any config on disk.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// LoadRaw resolves a config file into a merged raw map without decoding it
// into Config. The CLI uses it for config inspection.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	seen := make(map[string]bool)
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	doc, err := parseRawBytes(abs, data)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := make(map[string]any)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := loadRawRecursive(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, doc), nil
}

// parseRawBytes decodes one document. Extension picks the codec: .json and
// .json5 go through the json5 parser (comments and trailing commas allowed),
// everything else is YAML.
func parseRawBytes(path string, data []byte) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" || ext == ".json5" {
		var doc map[string]any
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc == nil {
			doc = make(map[string]any)
		}
		return doc, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%s: multi-document config files are not supported", path)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// extractIncludes pops the include directive off the document and returns
// the referenced paths.
func extractIncludes(doc map[string]any) ([]string, error) {
	var val any
	if v, ok := doc[includeKey]; ok {
		val = v
		delete(doc, includeKey)
	} else if v, ok := doc["include"]; ok {
		val = v
		delete(doc, "include")
	}
	if val == nil {
		return nil, nil
	}

	switch v := val.(type) {
	case string:
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings, got %T", item)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings, got %T", val)
	}
}

// mergeMaps deep-merges override into base. Nested maps merge key by key;
// any other value in override replaces the base value outright.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(cur, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeRaw strict-decodes the merged document over the defaults, so keys
// absent from the file keep their default values.
func decodeRaw(raw map[string]any) (Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
