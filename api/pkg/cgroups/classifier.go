// Package cgroups resolves processes to login sessions through the
// control-group hierarchy and receives empty-cgroup notifications from the
// short-lived agent binary.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Classifier maps a process to the session id its cgroup places it in.
// An empty session id with a nil error means "not part of any session",
// which callers treat as a normal answer, not a failure.
type Classifier interface {
	SessionOf(pid int) (string, error)
}

// ProcClassifier reads /proc/<pid>/cgroup and extracts the session scope
// unit from the cgroup path.
type ProcClassifier struct {
	// Root is the procfs mount point, overridable for tests.
	Root string
}

// NewProcClassifier returns a classifier over the standard /proc mount.
func NewProcClassifier() *ProcClassifier {
	return &ProcClassifier{Root: "/proc"}
}

// SessionOf parses the process's cgroup path looking for a
// "session-<id>.scope" component.
func (c *ProcClassifier) SessionOf(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.Root, fmt.Sprintf("%d", pid), "cgroup"))
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(string(data), "\n") {
		// Each line is hierarchy-ID:controller-list:cgroup-path.
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if id := SessionFromPath(parts[2]); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// SessionFromPath extracts the session id from a cgroup path containing a
// "session-<id>.scope" component, or returns "".
func SessionFromPath(path string) string {
	for _, comp := range strings.Split(path, "/") {
		name, ok := strings.CutPrefix(comp, "session-")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, ".scope")
		if ok && name != "" {
			return name
		}
	}
	return ""
}
