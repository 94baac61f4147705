package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// fileConfig is the subset of settings that may come from a TOML file.
type fileConfig struct {
	FullnodeURL   string      `toml:"fullnode_url"`
	IndexerURL    string      `toml:"indexer_url"`
	PanoraURL     string      `toml:"panora_url"`
	MarketsAPIURL string      `toml:"markets_api_url"`
	Thala         ThalaConfig `toml:"thala"`
}

// LoadWithFile loads the environment configuration and overlays the TOML file at path.
// Explicitly set environment variables win over file values. An empty path returns Load().
func LoadWithFile(path string) (Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	overlay(&cfg.FullnodeURL, "APTOS_FULLNODE_URL", fc.FullnodeURL)
	overlay(&cfg.IndexerURL, "APTOS_INDEXER_URL", fc.IndexerURL)
	overlay(&cfg.PanoraURL, "PANORA_URL", fc.PanoraURL)
	overlay(&cfg.MarketsAPIURL, "MARKETS_API_URL", fc.MarketsAPIURL)
	overlay(&cfg.Thala.FarmingPackage, "THALA_FARMING_PACKAGE", fc.Thala.FarmingPackage)
	overlay(&cfg.Thala.CLMMPackage, "THALA_CLMM_PACKAGE", fc.Thala.CLMMPackage)
	overlay(&cfg.Thala.RewardToken, "THALA_REWARD_TOKEN", fc.Thala.RewardToken)
	overlay(&cfg.Thala.PoolsURL, "THALA_POOLS_URL", fc.Thala.PoolsURL)
	overlay(&cfg.Thala.PositionNamePrefix, "THALA_POSITION_NAME_PREFIX", fc.Thala.PositionNamePrefix)

	logrus.Infof("Loaded configuration file %s", path)
	return cfg, nil
}

func overlay(dst *string, envKey, fileValue string) {
	if fileValue == "" {
		return
	}
	if _, set := GetEnv(envKey); set {
		return
	}
	*dst = fileValue
}
