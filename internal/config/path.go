package config

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// DefaultDataDir picks the per-OS data location. XDG_DATA_HOME wins when
// set; without a home directory it falls back to ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "changeflo")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Changeflo")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Changeflo")
		}
		return filepath.Join(home, "AppData", "Local", "Changeflo")
	}
	// Services run as root get the system location.
	if os.Geteuid() == 0 && isDir("/var/lib") {
		return "/var/lib/changeflo"
	}
	return filepath.Join(home, ".local", "share", "changeflo")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
