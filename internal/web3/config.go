package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain and the token contracts the engine controls on it.
type ChainDefinition struct {
	Type        string            `yaml:"type"`
	RPCURL      string            `yaml:"rpc_url"`
	ChainID     int64             `yaml:"chain_id"`
	Token       string            `yaml:"token"`
	Assets      map[string]string `yaml:"assets"`
	Accounts    map[string]string `yaml:"accounts"`
	Description string            `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if strings.TrimSpace(def.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if strings.TrimSpace(def.Token) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 token 合约地址", name)
		}
	}
	return defs, nil
}
