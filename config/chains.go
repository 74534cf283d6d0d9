package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainEntry describes one chain in the registry file. Values here seed the
// chains table on first start and override RPC endpoints on every start.
type ChainEntry struct {
	Slug          string `yaml:"slug"`
	Type          string `yaml:"type"`
	RPCURL        string `yaml:"rpc_url"`
	ExplorerURL   string `yaml:"explorer_url"`
	ChainID       int64  `yaml:"chain_id"`
	Confirmations int    `yaml:"confirmations"`
	NativeSymbol  string `yaml:"native_symbol"`
	Decimals      int    `yaml:"decimals"`
	MinOrderIDR   int64  `yaml:"min_order_idr"`
	KeyEnv        string `yaml:"key_env"`
}

// ChainRegistry is the parsed chains.yaml document.
type ChainRegistry struct {
	Chains []ChainEntry `yaml:"chains"`
}

// LoadChainRegistry reads and validates the YAML chain registry.
func LoadChainRegistry(path string) (*ChainRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain registry: %w", err)
	}
	var reg ChainRegistry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("parse chain registry: %w", err)
	}
	seen := make(map[string]struct{}, len(reg.Chains))
	for i := range reg.Chains {
		entry := &reg.Chains[i]
		entry.Slug = strings.ToLower(strings.TrimSpace(entry.Slug))
		entry.Type = strings.ToUpper(strings.TrimSpace(entry.Type))
		entry.NativeSymbol = strings.ToUpper(strings.TrimSpace(entry.NativeSymbol))
		if entry.Slug == "" {
			return nil, fmt.Errorf("chain registry entry %d: slug required", i)
		}
		if _, dup := seen[entry.Slug]; dup {
			return nil, fmt.Errorf("chain registry: duplicate slug %q", entry.Slug)
		}
		seen[entry.Slug] = struct{}{}
		switch entry.Type {
		case "EVM", "SOLANA", "SUI":
		default:
			return nil, fmt.Errorf("chain registry %q: unsupported type %q", entry.Slug, entry.Type)
		}
		if entry.RPCURL == "" {
			return nil, fmt.Errorf("chain registry %q: rpc_url required", entry.Slug)
		}
		if entry.NativeSymbol == "" {
			return nil, fmt.Errorf("chain registry %q: native_symbol required", entry.Slug)
		}
		if entry.Confirmations <= 0 {
			entry.Confirmations = 1
		}
		if entry.Decimals <= 0 {
			entry.Decimals = 18
		}
	}
	return &reg, nil
}
