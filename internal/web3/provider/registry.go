package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ARS-Engine/internal/config"
	"ARS-Engine/internal/engine"
	"ARS-Engine/internal/ledger"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/internal/web3"
	"ARS-Engine/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	defs         map[string]web3.ChainDefinition
	clients      map[string]*ethereum.Client
	chainClock   bool
	signerEnv    string
}

// Deployment bundles the collaborators the engine needs on one chain.
type Deployment struct {
	Chain   string
	Token   ledger.TokenLedger
	Custody reserve.LedgerSet
	// Clock 为 nil 时沿用顺序器本地时钟。
	Clock engine.Clock
}

// NewRegistry loads chain definitions and dials every configured chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*ethereum.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  chain.RPCURL,
				ChainID: chain.ChainID,
				Notes:   chain.Description,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	return newRegistry(cfg, defs.Chains, clients)
}

func newRegistry(cfg config.Web3Config, defs map[string]web3.ChainDefinition, clients map[string]*ethereum.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{
		defaultChain: defaultChain,
		defs:         defs,
		clients:      clients,
		chainClock:   cfg.ChainClock,
		signerEnv:    cfg.SignerKeyEnv,
	}, nil
}

// Deployment binds the token and reserve asset contracts of the default chain.
// The signer key is read from the configured environment variable.
func (r *Registry) Deployment() (Deployment, error) {
	if r == nil {
		return Deployment{}, errors.New("未初始化的链客户端注册表")
	}
	key := strings.TrimSpace(os.Getenv(r.signerEnv))
	if key == "" {
		return Deployment{}, fmt.Errorf("环境变量 %s 未提供签名私钥", r.signerEnv)
	}
	return r.deployment(key)
}

func (r *Registry) deployment(signerKey string) (Deployment, error) {
	client := r.clients[r.defaultChain]
	def := r.defs[r.defaultChain]
	auth, err := client.TransactorFromHex(signerKey)
	if err != nil {
		return Deployment{}, err
	}

	if !common.IsHexAddress(def.Token) {
		return Deployment{}, fmt.Errorf("链 %s 的 token 地址无效: %s", r.defaultChain, def.Token)
	}
	token, err := ethereum.NewTokenLedger(client, "ARS", common.HexToAddress(def.Token), auth, def.Accounts)
	if err != nil {
		return Deployment{}, err
	}

	custody := make(reserve.LedgerSet, len(def.Assets))
	for symbol, address := range def.Assets {
		if !common.IsHexAddress(address) {
			return Deployment{}, fmt.Errorf("资产 %s 的合约地址无效: %s", symbol, address)
		}
		tl, err := ethereum.NewTokenLedger(client, symbol, common.HexToAddress(address), auth, def.Accounts)
		if err != nil {
			return Deployment{}, err
		}
		custody[symbol] = tl
	}

	d := Deployment{Chain: r.defaultChain, Token: token, Custody: custody}
	if r.chainClock {
		d.Clock = ethereum.NewChainClock(client)
	}
	return d, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Snapshots collects head metadata from every chain, sorted by name.
func (r *Registry) Snapshots(ctx context.Context) ([]web3.ChainSnapshot, error) {
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snap, err := r.clients[name].Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("链 %s: %w", name, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]*ethereum.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
