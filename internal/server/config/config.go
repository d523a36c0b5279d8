// Package config resolves the daemon's runtime configuration from flags,
// environment, and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultStateDirName = ".gaovm"
	defaultDriverBin    = "gaovm-driver"

	envPrefix = "GAOVM"
)

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	StateDir   string
	SocketPath string
	DriverBin  string
	LogDir     string
	RunDir     string
	Verbose    bool
}

// Load resolves configuration. flags may be nil; when given, set flags win
// over GAOVM_* environment variables, which win over daemon.yaml in the
// state dir (~/.gaovm by default), which wins over defaults.
func Load(flags *pflag.FlagSet) (ServerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state-dir", filepath.Join("~", defaultStateDirName))
	v.SetDefault("driver-bin", defaultDriverBin)
	v.SetDefault("socket-path", "")
	v.SetDefault("verbose", false)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return ServerConfig{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	stateDir, err := expandPath(v.GetString("state-dir"))
	if err != nil {
		return ServerConfig{}, err
	}
	v.SetConfigName("daemon")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("config: read daemon.yaml: %w", err)
		}
	}

	// The config file may itself relocate the state dir.
	stateDir, err = expandPath(v.GetString("state-dir"))
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		StateDir:  stateDir,
		DriverBin: v.GetString("driver-bin"),
		LogDir:    filepath.Join(stateDir, "logs"),
		RunDir:    filepath.Join(stateDir, "run"),
		Verbose:   v.GetBool("verbose"),
	}

	socketPath := strings.TrimSpace(v.GetString("socket-path"))
	if socketPath == "" {
		socketPath = filepath.Join(cfg.RunDir, "daemon.sock")
	} else if socketPath, err = expandPath(socketPath); err != nil {
		return ServerConfig{}, err
	}
	cfg.SocketPath = socketPath

	if strings.TrimSpace(cfg.DriverBin) == "" {
		return ServerConfig{}, fmt.Errorf("config: driver binary is required")
	}
	return cfg, nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("config: empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	return abs, nil
}
