package engine

import (
	"ARS-Engine/internal/admin"
	"ARS-Engine/internal/governance"
	"ARS-Engine/internal/oracle"
	"ARS-Engine/internal/registry"
	"ARS-Engine/internal/reserve"
	"ARS-Engine/internal/supply"
)

// OracleView 是预言机的只读视图。
type OracleView struct {
	Value       uint64          `json:"value"`
	Fresh       bool            `json:"fresh"`
	Sequence    uint64          `json:"sequence"`
	CommittedAt int64           `json:"committed_at"`
	RoundSize   int             `json:"round_size"`
	Pending     *oracle.Pending `json:"pending,omitempty"`
}

// Snapshot 是某一高度的完整状态副本，供观察者与 CLI 使用。
type Snapshot struct {
	Height        uint64                `json:"height"`
	LastTimestamp int64                 `json:"last_timestamp"`
	Agents        []registry.Agent      `json:"agents"`
	Oracle        OracleView            `json:"oracle"`
	Proposals     []governance.Proposal `json:"proposals"`
	Supply        supply.Controller     `json:"supply"`
	Vault         reserve.Vault         `json:"vault"`
	Breaker       reserve.Breaker       `json:"breaker"`
	Admin         admin.State           `json:"admin"`
	Params        Params                `json:"params"`
}

// Snapshot 返回当前状态的深拷贝。
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	s := e.state.Clone()
	e.mu.RUnlock()

	value, fresh := s.Oracle.Value(s.LastTimestamp)
	snap := Snapshot{
		Height:        s.Height,
		LastTimestamp: s.LastTimestamp,
		Agents:        s.Registry.Agents(),
		Oracle: OracleView{
			Value:       value,
			Fresh:       fresh,
			Sequence:    s.Oracle.Sequence,
			CommittedAt: s.Oracle.CommittedAt,
			RoundSize:   len(s.Oracle.Round),
			Pending:     s.Oracle.Pending,
		},
		Supply:  *s.Supply,
		Vault:   s.Reserve.Vault,
		Breaker: s.Reserve.Breaker,
		Admin:   *s.Admin,
		Params:  s.Params(e.maxSkew),
	}
	for _, id := range s.Governance.IDs() {
		if p, err := s.Governance.Get(id); err == nil {
			snap.Proposals = append(snap.Proposals, *p)
		}
	}
	return snap
}

// Agent 返回单个智能体的副本。
func (s Snapshot) Agent(id string) (registry.Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return registry.Agent{}, false
}

// Proposal 返回单个提案的副本。
func (s Snapshot) Proposal(id uint64) (governance.Proposal, bool) {
	for _, p := range s.Proposals {
		if p.ID == id {
			return p, true
		}
	}
	return governance.Proposal{}, false
}
