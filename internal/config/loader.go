package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the including file.
const includeKey = "$include"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// fileLoader reads YAML and JSON5 config files. Only ${NAME} references
// are expanded so that $include keys survive; unset names expand to "".
type fileLoader struct {
	lookup func(string) (string, bool)

	// open holds the absolute paths of the include chain being loaded.
	open map[string]bool
}

func newFileLoader(lookup func(string) (string, bool)) *fileLoader {
	return &fileLoader{lookup: lookup, open: make(map[string]bool)}
}

// LoadRaw reads a YAML or JSON5 file into a raw map with ${ENV}
// references expanded and $include directives resolved. Values of the
// including file win over included ones; nested maps are merged.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return newFileLoader(os.LookupEnv).load(path)
}

// LoadFile decodes the file at path into out, which should already hold
// the defaults. Unknown keys are rejected.
func LoadFile(path string, out any) error {
	return loadFile(path, out, os.LookupEnv)
}

func loadFile(path string, out any, lookup func(string) (string, bool)) error {
	raw, err := newFileLoader(lookup).load(path)
	if err != nil {
		return err
	}
	if err := decodeStrict(raw, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (l *fileLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.open[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.open[abs] = true
	defer delete(l.open, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parse(l.expand(data), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merge(merged, sub)
	}
	merge(merged, raw)
	return merged, nil
}

func (l *fileLoader) expand(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		value, _ := l.lookup(string(ref[2 : len(ref)-1]))
		return []byte(value)
	})
}

// parse decodes one document; .json and .json5 files are JSON5, anything
// else is YAML.
func parse(data []byte, ext string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// popIncludes removes the $include key from raw and returns its paths.
func popIncludes(raw map[string]any) ([]string, error) {
	value, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch v := value.(type) {
	case string:
		return nonEmpty([]string{v}), nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return nonEmpty(paths), nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}
}

func nonEmpty(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// merge copies src into dst, merging nested maps.
func merge(dst, src map[string]any) {
	for key, value := range src {
		sub, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			merge(existing, sub)
			continue
		}
		dst[key] = value
	}
}

// decodeStrict round-trips raw through YAML into out so that struct tags,
// durations and unknown-key checks apply to JSON5 files as well.
func decodeStrict(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
