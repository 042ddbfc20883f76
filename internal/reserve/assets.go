package reserve

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AssetDefinitions models the structure of configs/assets.yaml.
type AssetDefinitions struct {
	Assets []Asset `yaml:"assets"`
}

// LoadAssetDefinitions parses the YAML file listing the reserve basket.
// An empty path yields the default four-asset basket.
func LoadAssetDefinitions(path string) (AssetDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultAssets(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return AssetDefinitions{}, fmt.Errorf("读取资产配置失败: %w", err)
	}

	var defs AssetDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return AssetDefinitions{}, fmt.Errorf("解析资产配置失败: %w", err)
	}
	var weights uint64
	for _, a := range defs.Assets {
		weights += a.TargetWeightBps
	}
	if weights > 10_000 {
		return AssetDefinitions{}, fmt.Errorf("资产目标权重之和 %d 超过 10000", weights)
	}
	return defs, nil
}

// DefaultAssets returns the 40/30/20/10 basket used when no file is configured.
func DefaultAssets() AssetDefinitions {
	return AssetDefinitions{Assets: []Asset{
		{Symbol: "SOL", Price: 150 * PriceScale, TargetWeightBps: 4_000},
		{Symbol: "USDC", Price: PriceScale, TargetWeightBps: 3_000},
		{Symbol: "MSOL", Price: 165 * PriceScale, TargetWeightBps: 2_000},
		{Symbol: "JITOSOL", Price: 170 * PriceScale, TargetWeightBps: 1_000},
	}}
}
