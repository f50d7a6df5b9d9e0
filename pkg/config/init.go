package config

import (
	"fmt"
	"os"
)

// InitConfig writes a sample configuration file to the default location.
// Fails if a file already exists there unless force is true.
func InitConfig(force bool) (string, error) {
	return InitConfigToPath(GetDefaultConfigPath(), force)
}

// InitConfigToPath writes a sample configuration file to path. Fails if a
// file already exists there unless force is true.
func InitConfigToPath(path string, force bool) (string, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config: file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := GetDefaultConfig()
	cfg.Node.LocalNode = 1
	cfg.Storage.TotalCapacityBytes = 16 * 1024 * 1024 * 1024
	cfg.Storage.Disks = []DiskConfig{{Path: "/var/lib/dtnd/disk0.bin"}}

	if err := SaveConfig(cfg, path); err != nil {
		return "", err
	}
	return path, nil
}
