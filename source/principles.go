// Package source loads constitutional principles from YAML files and
// watches principle directories for changes.
package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semgov/policy"
)

// DefaultPatterns match principle files below a root directory.
var DefaultPatterns = []string{"**/*.yaml", "**/*.yml"}

// principleFile is the documented file layout: a "principles" list.
type principleFile struct {
	Principles []policy.Principle `yaml:"principles"`
}

// ContentHash returns the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes every principle in data. Each YAML document may be a single
// principle, a list of principles, or a mapping with a "principles" list.
// Every principle is validated.
func Parse(data []byte) ([]policy.Principle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []policy.Principle
	for doc := 1; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		ps, err := decodeNode(&node)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		out = append(out, ps...)
	}

	for _, p := range out {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeNode(node *yaml.Node) ([]policy.Principle, error) {
	root := node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	switch root.Kind {
	case yaml.SequenceNode:
		var ps []policy.Principle
		if err := root.Decode(&ps); err != nil {
			return nil, err
		}
		return ps, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value == "principles" {
				var f principleFile
				if err := root.Decode(&f); err != nil {
					return nil, err
				}
				return f.Principles, nil
			}
		}
		var p policy.Principle
		if err := root.Decode(&p); err != nil {
			return nil, err
		}
		return []policy.Principle{p}, nil
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if root.Tag == "!!null" {
			return nil, nil
		}
		return nil, fmt.Errorf("expected a mapping or sequence of principles")
	default:
		return nil, fmt.Errorf("expected a mapping or sequence of principles")
	}
}

// LoadFile reads and parses one principle file.
func LoadFile(path string) ([]policy.Principle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read principles: %w", err)
	}
	ps, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// Glob expands patterns below root, with ** support. Absolute patterns are
// used as is. Results are de-duplicated, sorted and limited to files.
func Glob(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		full := pattern
		if !filepath.IsAbs(pattern) {
			full = filepath.Join(root, pattern)
		}
		matches, err := doublestar.FilepathGlob(full)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadAll loads every principle matched by patterns below root. A principle
// id appearing in two places is an error.
func LoadAll(root string, patterns []string) ([]policy.Principle, error) {
	files, err := Glob(root, patterns)
	if err != nil {
		return nil, err
	}

	origin := make(map[string]string)
	var out []policy.Principle
	for _, f := range files {
		ps, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if prev, dup := origin[p.ID]; dup {
				return nil, fmt.Errorf("principle %s defined in both %s and %s", p.ID, prev, f)
			}
			origin[p.ID] = f
			out = append(out, p)
		}
	}
	return out, nil
}
