package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"ARS-Engine/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Backend is the subset of an EVM node the engine adapters rely on.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend
	chainID   *big.Int
	commit    func()
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and verifies the chain id.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		rpcClient.Close()
		return nil, fmt.Errorf("链 %s 的 ID 为 %s，与配置的 %d 不一致", cfg.Name, chainID, cfg.ChainID)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		chainID:   chainID,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// Every transaction sent through the client's ledgers is committed immediately.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		notes:   "simulated backend",
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		commit:  func() { backend.Commit() },
	}
}

// Name returns the chain name from the definitions file.
func (c *Client) Name() string { return c.name }

// ChainID returns the verified chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Backend exposes the node connection for contract bindings.
func (c *Client) Backend() Backend { return c.backend }

// Transactor builds signing options for the given key on this chain.
func (c *Client) Transactor(key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	if key == nil {
		return nil, errors.New("未提供签名私钥")
	}
	return bind.NewKeyedTransactorWithChainID(key, c.chainID)
}

// TransactorFromHex parses a hex private key and builds signing options.
func (c *Client) TransactorFromHex(hexKey string) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return c.Transactor(key)
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// Snapshot gathers lightweight metadata from the chain head.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     "0x" + c.chainID.Text(16),
		BlockNumber: header.Number.Uint64(),
		BlockTime:   int64(header.Time),
		Notes:       c.notes,
	}, nil
}

var _ web3.Client = (*Client)(nil)
