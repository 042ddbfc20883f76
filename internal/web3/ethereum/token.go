package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/ledger"
)

type boundContract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*coretypes.Transaction, error)
}

type minedWaiter func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error)

// TokenLedger drives a managed ERC20 contract as a ledger.TokenLedger. Each
// write waits for its receipt so the engine sees a definitive outcome.
type TokenLedger struct {
	symbol   string
	address  common.Address
	contract boundContract
	auth     *bind.TransactOpts
	accounts map[string]string
	wait     minedWaiter
	mu       sync.Mutex
}

// NewTokenLedger binds the token at address on the client's chain.
func NewTokenLedger(client *Client, symbol string, address common.Address, auth *bind.TransactOpts, accounts map[string]string) (*TokenLedger, error) {
	if auth == nil {
		return nil, fmt.Errorf("代币 %s 缺少交易签名器", symbol)
	}
	parsed, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	backend := client.Backend()
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	commit := client.commit
	wait := func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
		if commit != nil {
			commit()
		}
		return bind.WaitMined(ctx, backend, tx)
	}
	return newTokenLedger(symbol, address, contract, auth, accounts, wait), nil
}

func newTokenLedger(symbol string, address common.Address, contract boundContract, auth *bind.TransactOpts, accounts map[string]string, wait minedWaiter) *TokenLedger {
	return &TokenLedger{
		symbol:   symbol,
		address:  address,
		contract: contract,
		auth:     auth,
		accounts: accounts,
		wait:     wait,
	}
}

// Symbol returns the token symbol.
func (l *TokenLedger) Symbol() string { return l.symbol }

// Mint implements ledger.TokenLedger.
func (l *TokenLedger) Mint(ctx context.Context, dest string, amount uint64) error {
	to, err := AccountAddress(l.accounts, dest)
	if err != nil {
		return err
	}
	return l.transact(ctx, "mint", to, new(big.Int).SetUint64(amount))
}

// Burn implements ledger.TokenLedger.
func (l *TokenLedger) Burn(ctx context.Context, source string, amount uint64) error {
	from, err := AccountAddress(l.accounts, source)
	if err != nil {
		return err
	}
	return l.transact(ctx, "burn", from, new(big.Int).SetUint64(amount))
}

// Transfer implements ledger.TokenLedger via transferFrom.
func (l *TokenLedger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	src, err := AccountAddress(l.accounts, from)
	if err != nil {
		return err
	}
	dst, err := AccountAddress(l.accounts, to)
	if err != nil {
		return err
	}
	return l.transact(ctx, "transferFrom", src, dst, new(big.Int).SetUint64(amount))
}

// BalanceOf implements ledger.TokenLedger.
func (l *TokenLedger) BalanceOf(ctx context.Context, account string) (uint64, error) {
	addr, err := AccountAddress(l.accounts, account)
	if err != nil {
		return 0, err
	}
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", addr); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExternalFailure, err, "balanceOf "+l.symbol)
	}
	if len(out) != 1 {
		return 0, xerrors.New(xerrors.CodeExternalFailure, "balanceOf returned no value")
	}
	balance, ok := out[0].(*big.Int)
	if !ok || balance.Sign() < 0 || !balance.IsUint64() {
		return 0, xerrors.New(xerrors.CodeOverflow, "token balance exceeds uint64",
			xerrors.WithMetadata("account", account),
			xerrors.WithMetadata("token", l.symbol),
		)
	}
	return balance.Uint64(), nil
}

func (l *TokenLedger) transact(ctx context.Context, method string, args ...any) error {
	// 同一签名账户的 nonce 需要串行分配。
	l.mu.Lock()
	defer l.mu.Unlock()

	opts := *l.auth
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, method, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalFailure, err, fmt.Sprintf("%s %s", method, l.symbol))
	}
	receipt, err := l.wait(ctx, tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalFailure, err, "wait for "+tx.Hash().Hex(),
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()),
		)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodeExternalFailure, fmt.Sprintf("%s %s reverted", method, l.symbol),
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()),
			xerrors.WithMetadata("block", receipt.BlockNumber.String()),
		)
	}
	return nil
}

// AccountAddress maps a ledger account name to an EVM address. Explicit
// mappings win, hex addresses pass through, and any other name is hashed so
// protocol accounts such as the vault get a stable address.
func AccountAddress(accounts map[string]string, account string) (common.Address, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "ledger account is empty")
	}
	if mapped, ok := accounts[account]; ok {
		if !common.IsHexAddress(mapped) {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid address for account "+account)
		}
		return common.HexToAddress(mapped), nil
	}
	if common.IsHexAddress(account) {
		return common.HexToAddress(account), nil
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(account))[12:]), nil
}

var _ ledger.TokenLedger = (*TokenLedger)(nil)
