package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("empty path should yield no chains: %+v %v", defs, err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	content := `chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    chain_id: 11155111
    token: "0x00000000000000000000000000000000000000a1"
    assets:
      USDC: "0x00000000000000000000000000000000000000b2"
    accounts:
      treasury: "0x00000000000000000000000000000000000000c3"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err = LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain, ok := defs.Chains["sepolia"]
	if !ok || chain.ChainID != 11155111 || chain.Assets["USDC"] == "" || chain.Accounts["treasury"] == "" {
		t.Fatalf("unexpected chain definition: %+v", chain)
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("chains:\n  x:\n    rpc_url: http://x\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadChainDefinitions(broken); err == nil {
		t.Fatalf("expected missing token error")
	}
}
