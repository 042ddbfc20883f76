package web3

import "context"

// ChainSnapshot represents summarized network metadata for operators.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	BlockTime   int64  `json:"block_time"`
	Notes       string `json:"notes,omitempty"`
}

// Client is the chain surface the daemon needs regardless of network.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
