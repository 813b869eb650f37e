package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "CTXSYNC_CONFIG"
	EnvSourceDir = "CTXSYNC_SOURCE_DIR"
	EnvStateDir  = "CTXSYNC_STATE_DIR"
	EnvLogLevel  = "CTXSYNC_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CTXSYNC_CONFIG: override config file path
	SourceDir  string // CTXSYNC_SOURCE_DIR: source directory override
	StateDir   string // CTXSYNC_STATE_DIR: state directory override
	LogLevel   string // CTXSYNC_LOG_LEVEL: log level override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		SourceDir:  os.Getenv(EnvSourceDir),
		StateDir:   os.Getenv(EnvStateDir),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
