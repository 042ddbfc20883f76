package ethereum

import (
	"context"
	"math/big"

	coretypes "github.com/ethereum/go-ethereum/core/types"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
)

type headerReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// ChainClock reads ledger time from the chain head.
type ChainClock struct {
	reader headerReader
}

// NewChainClock uses the client's backend as the time source.
func NewChainClock(client *Client) *ChainClock {
	return &ChainClock{reader: client.Backend()}
}

// Now returns the latest block timestamp in Unix seconds.
func (c *ChainClock) Now(ctx context.Context) (int64, error) {
	header, err := c.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExternalFailure, err, "read chain head")
	}
	if header == nil {
		return 0, xerrors.New(xerrors.CodeExternalFailure, "chain head unavailable")
	}
	return int64(header.Time), nil
}

var _ engine.Clock = (*ChainClock)(nil)
