package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// toolConfig holds storeutil's own defaults, loaded from a JSONC config
// file so a project can pin its store directory and tree order without
// repeating --dir/--order on every invocation.
type toolConfig struct {
	Dir           string `json:"dir"`
	TreeOrder     int    `json:"tree_order,omitempty"`
	CacheCapacity int    `json:"cache_capacity,omitempty"`
}

const configFileName = "storeutil.json"

// loadToolConfig reads configFileName from the current directory if
// present. A missing file is not an error; it just yields a zero config.
func loadToolConfig() (toolConfig, error) {
	data, err := os.ReadFile(configFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return toolConfig{}, nil
		}

		return toolConfig{}, fmt.Errorf("read %s: %w", configFileName, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return toolConfig{}, fmt.Errorf("%s: invalid JSONC: %w", configFileName, err)
	}

	var cfg toolConfig

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return toolConfig{}, fmt.Errorf("%s: invalid JSON: %w", configFileName, err)
	}

	return cfg, nil
}
