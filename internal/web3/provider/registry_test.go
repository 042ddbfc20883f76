package provider

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"ARS-Engine/internal/config"
	"ARS-Engine/internal/web3"
	"ARS-Engine/internal/web3/ethereum"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func simulatedRegistry(t *testing.T, cfg config.Web3Config, def web3.ChainDefinition) *Registry {
	t.Helper()
	backend := backends.NewSimulatedBackend(coretypes.GenesisAlloc{}, 8_000_000)
	t.Cleanup(func() { _ = backend.Close() })
	client := ethereum.NewSimulatedClient("local", big.NewInt(1337), backend)

	r, err := newRegistry(cfg, map[string]web3.ChainDefinition{"local": def}, map[string]*ethereum.Client{"local": client})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestDeploymentBindsTokenAndAssets(t *testing.T) {
	def := web3.ChainDefinition{
		Token:    "0x00000000000000000000000000000000000000a1",
		Assets:   map[string]string{"USDC": "0x00000000000000000000000000000000000000b2"},
		Accounts: map[string]string{"treasury": "0x00000000000000000000000000000000000000c3"},
	}
	r := simulatedRegistry(t, config.Web3Config{ChainClock: true}, def)

	d, err := r.deployment(testKey)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if d.Chain != "local" || d.Token == nil || d.Clock == nil {
		t.Fatalf("unexpected deployment: %+v", d)
	}
	if d.Custody.Ledger("USDC") == nil || d.Custody.Ledger("SOL") != nil {
		t.Fatalf("unexpected custody set: %v", d.Custody)
	}

	snaps, err := r.Snapshots(context.Background())
	if err != nil || len(snaps) != 1 || snaps[0].Name != "local" {
		t.Fatalf("unexpected snapshots %+v (%v)", snaps, err)
	}
}

func TestDeploymentRejectsBadInput(t *testing.T) {
	r := simulatedRegistry(t, config.Web3Config{SignerKeyEnv: "ARS_TEST_SIGNER_UNSET"}, web3.ChainDefinition{Token: "nope"})

	if _, err := r.Deployment(); err == nil {
		t.Fatalf("expected missing signer error")
	}
	if _, err := r.deployment(testKey); err == nil {
		t.Fatalf("expected invalid token address error")
	}
	if _, err := r.deployment("not-hex"); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestNewRegistryRequiresChains(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without chains")
	}

	path := filepath.Join(t.TempDir(), "chain.yaml")
	content := "chains:\n  local:\n    type: solana\n    rpc_url: http://127.0.0.1:1\n    token: \"0x00000000000000000000000000000000000000a1\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatalf("expected unsupported chain type error")
	}
}
