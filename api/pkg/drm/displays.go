// Package drm inspects the kernel's DRM subsystem through sysfs to count
// connected displays. The count feeds the docked/multi-display heuristic
// that modulates lid-switch policy.
package drm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysRoot is the mounted sysfs.
const DefaultSysRoot = "/sys"

// CountDisplays counts connected DRM connectors under sysRoot.
//
// Entries in class/drm include both cards (card0) and connectors
// (card0-HDMI-A-1). A connector is recognized by its parent device sharing
// the drm subsystem. Any connector whose status attribute is not exactly
// "disconnected" counts as connected, matching how the kernel reports
// unknown-state connectors.
func CountDisplays(sysRoot string) (int, error) {
	base := filepath.Join(sysRoot, "class", "drm")
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, entry := range entries {
		devPath, err := filepath.EvalSymlinks(filepath.Join(base, entry.Name()))
		if err != nil {
			log.Debug().Str("entry", entry.Name()).Err(err).Msg("skipping unresolvable drm entry")
			continue
		}

		if subsystem(filepath.Dir(devPath)) != "drm" {
			// Parent is not a drm device: this is a card, not a connector.
			continue
		}

		status, err := os.ReadFile(filepath.Join(devPath, "status"))
		if err == nil && strings.TrimSpace(string(status)) == "disconnected" {
			continue
		}
		n++
	}
	return n, nil
}

// subsystem resolves the subsystem symlink of a sysfs device directory.
// Returns "" when the device has none.
func subsystem(devPath string) string {
	target, err := os.Readlink(filepath.Join(devPath, "subsystem"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
