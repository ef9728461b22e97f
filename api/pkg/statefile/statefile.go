// Package statefile reads and writes the daemon's flat key=value state
// files. Each record lives in its own file under the runtime directory, one
// KEY=value pair per line. Readers keep unknown keys so newer daemons can
// restore files written by older ones.
package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Pair is one KEY=value line. Writes preserve pair order so state files
// diff cleanly across daemon restarts.
type Pair struct {
	Key   string
	Value string
}

// Write atomically replaces path with the given pairs: the content goes to
// a temp file in the same directory first and is renamed into place.
func Write(path string, pairs []Pair) error {
	var b strings.Builder
	for _, p := range pairs {
		if p.Key == "" || strings.ContainsAny(p.Key, "=\n") {
			return fmt.Errorf("invalid state key %q", p.Key)
		}
		if strings.ContainsRune(p.Value, '\n') {
			return fmt.Errorf("state value for %s contains newline", p.Key)
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
		b.WriteByte('\n')
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod state file %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file %s: %w", path, err)
	}
	return nil
}

// Read parses a state file into a key→value map. Blank lines and lines
// starting with '#' are skipped; a line without '=' makes the whole record
// unusable and aborts the read.
func Read(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%s:%d: malformed state line", path, i+1)
		}
		out[key] = value
	}
	return out, nil
}
