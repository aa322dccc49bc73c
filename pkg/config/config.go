package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the settings loaded by the coordinator and admin binaries;
// the worker binary does not read it and takes its settings from flags.
// ContainerNetworkMode, ContainerRunAs, ContainerCapAdd,
// ContainerReadOnlyRootfs and ContainerdSocket are loaded but nothing in
// this repository applies them to job execution. Values are loaded from an optional TOML profile and then overridden by
// DISTBUILD_* environment variables, so a single profile can be reused
// across environments with per-deployment overrides.
type Config struct {
	DatabasePath string `toml:"database_path"`

	ServerHost string `toml:"server_host"`
	ServerPort int    `toml:"server_port"`

	WorkerSharedToken string `toml:"worker_shared_token"`

	DefaultTimeoutSeconds int  `toml:"default_timeout_seconds"`
	AllowLocalSandbox     bool `toml:"allow_local_sandbox"`
	MaxLogChars           int  `toml:"max_log_chars"`

	ContainerDefaultImage    string `toml:"container_default_image"`
	ContainerNetworkMode     string `toml:"container_network_mode"`
	ContainerRunAs           string `toml:"container_run_as"`
	ContainerCapAdd          string `toml:"container_cap_add"`
	ContainerReadOnlyRootfs  bool   `toml:"container_read_only_rootfs"`
	ContainerdSocket         string `toml:"containerd_socket"`
}

// Default returns the out-of-the-box configuration, suitable for local
// development.
func Default() Config {
	return Config{
		DatabasePath:            "./data",
		ServerHost:              "0.0.0.0",
		ServerPort:              8080,
		WorkerSharedToken:       "",
		DefaultTimeoutSeconds:   600,
		AllowLocalSandbox:       true,
		MaxLogChars:             4000,
		ContainerDefaultImage:   "debian:stable",
		ContainerNetworkMode:    "job",
		ContainerRunAs:          "root",
		ContainerCapAdd:         "CHOWN,DAC_OVERRIDE,FOWNER,SETUID,SETGID,NET_RAW",
		ContainerReadOnlyRootfs: false,
		ContainerdSocket:        "/run/containerd/containerd.sock",
	}
}

// Load reads path (if non-empty and present) as a TOML profile layered over
// Default(), then applies DISTBUILD_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No profile on disk is not an error; defaults plus env apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("DISTBUILD_DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_SERVER_HOST"); ok {
		cfg.ServerHost = v
	}
	if v, ok := envInt("DISTBUILD_SERVER_PORT"); ok {
		cfg.ServerPort = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_WORKER_SHARED_TOKEN"); ok {
		cfg.WorkerSharedToken = v
	}
	if v, ok := envInt("DISTBUILD_DEFAULT_TIMEOUT_SECONDS"); ok {
		cfg.DefaultTimeoutSeconds = v
	}
	if v, ok := envBool("DISTBUILD_ALLOW_LOCAL_SANDBOX"); ok {
		cfg.AllowLocalSandbox = v
	}
	if v, ok := envInt("DISTBUILD_MAX_LOG_CHARS"); ok {
		cfg.MaxLogChars = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_CONTAINER_DEFAULT_IMAGE"); ok {
		cfg.ContainerDefaultImage = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_CONTAINER_NETWORK_MODE"); ok {
		cfg.ContainerNetworkMode = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_CONTAINER_RUN_AS"); ok {
		cfg.ContainerRunAs = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_CONTAINER_CAP_ADD"); ok {
		cfg.ContainerCapAdd = v
	}
	if v, ok := envBool("DISTBUILD_CONTAINER_READ_ONLY_ROOTFS"); ok {
		cfg.ContainerReadOnlyRootfs = v
	}
	if v, ok := os.LookupEnv("DISTBUILD_CONTAINERD_SOCKET"); ok {
		cfg.ContainerdSocket = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
