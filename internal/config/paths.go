// Package config loads inline chat settings and resolves data paths.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "inlinechat"

// Paths contains the standard locations for inline chat data.
type Paths struct {
	Data   string // ~/.local/share/inlinechat
	Config string // ~/.config/inlinechat
	State  string // ~/.local/state/inlinechat
}

// GetPaths returns the standard paths, honoring the XDG variables.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), appName),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), appName),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), appName),
	}
}

// EnsurePaths creates all directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is where session records are kept.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// LogPath is the log file used when logs are not printed.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "inlinechat.log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path of the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, appName+".json")
}
