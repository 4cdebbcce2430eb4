// Package brand holds the product identity and default filesystem locations.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name             = "leased"
	Description      = "privilege separated address acquisition daemon"
	ConfigEnvPrefix  = "LEASED"
	DefaultConfigDir = "/etc/leased"
	ConfigFileName   = "leased.hcl"
	DefaultRunDir    = "/run/leased"

	// PrivsepUser is the account unprivileged roles switch to.
	PrivsepUser = "_leased"
	// DefaultChroot is the empty directory unprivileged roles are jailed in.
	DefaultChroot = "/var/empty"
)

// Version is set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// ProcessTitle returns the process title used by a privsep role,
// e.g. "leased-bpf-arp".
func ProcessTitle(role string) string {
	if role == "" {
		return Name
	}
	return Name + "-" + role
}

// GetConfigDir returns the config directory.
// Priority: LEASED_CONFIG_DIR > LEASED_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetRunDir returns the runtime directory.
// Priority: LEASED_RUN_DIR > LEASED_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_RUN_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "run")
	}
	return DefaultRunDir
}

// DefaultConfigPath returns the configuration file used when none is given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
