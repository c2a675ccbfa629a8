// Package dotenv seeds the process environment from a local .env file so
// realtime vendor keys do not have to live in shell profiles during
// development. Variables already present in the environment always win.
package dotenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Load applies the .env file from the working directory. A missing file is
// not an error.
func Load() error {
	return LoadFile(".env")
}

// LoadFile reads KEY=VALUE pairs from path and sets each one that is not
// already present in the environment.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("dotenv: read %s: %w", path, err)
	}

	for _, kv := range parse(string(data)) {
		if _, ok := os.LookupEnv(kv.key); ok {
			continue
		}
		if err := os.Setenv(kv.key, kv.value); err != nil {
			return fmt.Errorf("dotenv: set %s: %w", kv.key, err)
		}
	}
	return nil
}

type pair struct {
	key   string
	value string
}

// parse extracts KEY=VALUE pairs, skipping blank lines, comments and
// malformed entries. Values may be single- or double-quoted, and an
// "export " prefix is tolerated so the same file can be sourced by a shell.
func parse(src string) []pair {
	var out []pair
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out = append(out, pair{key: key, value: unquote(strings.TrimSpace(value))})
	}
	return out
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
