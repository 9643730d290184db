package conf

import (
	"os"
	"path/filepath"

	"github.com/tphakala/trafficsat/internal/errors"
)

// GetDefaultConfigPaths returns the directories searched for config.yaml.
// When a config file exists in one of them only that directory is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "get-home-directory").
			Build()
	}

	configPaths := []string{
		".",
		filepath.Join(homeDir, ".config", "trafficsat"),
		"/etc/trafficsat",
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}

	return configPaths, nil
}
