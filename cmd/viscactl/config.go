package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/viscactl/internal/config"
)

type fileConfig struct {
	ListenAddr  string                `toml:"listen_addr"`
	CamerasFile string                `toml:"cameras_file"`
	CorsOrigins []string              `toml:"cors_origins"`
	LogLevel    string                `toml:"log_level"`
	APIToken    string                `toml:"api_token"`
	Cameras     []config.CameraConfig `toml:"cameras"`
}

type daemonConfig struct {
	ListenAddr  string
	CamerasFile string
	CorsOrigins []string
	LogLevel    string
	APIToken    string
	Cameras     []config.CameraConfig
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		ListenAddr: ":9080",
		LogLevel:   "info",
	}
}

// loadDaemonConfig reads the daemon file. Cameras from cameras_file come
// first, then inline [[cameras]] entries.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load viscactl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load viscactl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		if addr := strings.TrimSpace(raw.ListenAddr); addr != "" {
			cfg.ListenAddr = addr
		}
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}

	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}

	if meta.IsDefined("cameras_file") {
		file := strings.TrimSpace(raw.CamerasFile)
		if file != "" && !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		cfg.CamerasFile = file
		if file != "" {
			cams, err := config.LoadCameras(file)
			if err != nil {
				return daemonConfig{}, err
			}
			cfg.Cameras = append(cfg.Cameras, cams...)
		}
	}

	if meta.IsDefined("cameras") {
		cfg.Cameras = append(cfg.Cameras, raw.Cameras...)
	}

	if err := config.ValidateInventory(cfg.Cameras); err != nil {
		return daemonConfig{}, fmt.Errorf("viscactl config: %w", err)
	}
	return cfg, nil
}

func (c daemonConfig) camera(name string) (config.CameraConfig, error) {
	for _, cam := range c.Cameras {
		if cam.Name == name {
			return cam, nil
		}
	}
	return config.CameraConfig{}, fmt.Errorf("camera %q not configured", name)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
