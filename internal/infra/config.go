package infra

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Settings holds tool-level configuration (everything that is about the
// machine running the build, not about the image being built).
type Settings struct {
	// Docker configuration
	Docker DockerSettings

	// Wheelhouse configuration
	Wheelhouse WheelhouseSettings

	// Scratch root for per-build provisioning directories
	ScratchRoot string

	// Logging configuration
	LogLevel string
}

type DockerSettings struct {
	Host       string
	APIVersion string
}

type WheelhouseSettings struct {
	// Addr is the address the wheel index binds to. It must be reachable
	// from inside build containers (the docker bridge address by default).
	Addr string

	// CacheDir is the host directory holding compiled wheels across builds.
	CacheDir string
}

// LoadSettings loads tool settings using viper with support for:
// - Environment variables (BAKERY_ prefix)
// - Optional config file (bakery.env)
// - Default values
func LoadSettings() (*Settings, error) {
	v := viper.New()
	v.SetConfigName("bakery")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/bakery")

	v.SetEnvPrefix("bakery")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK - env vars and defaults apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading settings file: %w", err)
		}
	}

	settings := &Settings{
		Docker: DockerSettings{
			Host:       v.GetString("docker_host"),
			APIVersion: v.GetString("docker_api_version"),
		},
		Wheelhouse: WheelhouseSettings{
			Addr:     v.GetString("wheelhouse_addr"),
			CacheDir: v.GetString("wheelhouse_cache_dir"),
		},
		ScratchRoot: v.GetString("scratch_root"),
		LogLevel:    v.GetString("log_level"),
	}

	return settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("docker_host", "unix:///var/run/docker.sock")
	v.SetDefault("docker_api_version", "")
	// 172.17.0.1 is the default docker bridge gateway, reachable from
	// inside build containers.
	v.SetDefault("wheelhouse_addr", "172.17.0.1:8403")
	v.SetDefault("wheelhouse_cache_dir", "")
	v.SetDefault("scratch_root", "")
	v.SetDefault("log_level", "info")
}
