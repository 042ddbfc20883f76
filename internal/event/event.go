// Package event defines protocol events and the per-transaction recorder that
// carries ledger time through every domain operation.
package event

import "strconv"

// Type 标识协议事件的种类。
type Type string

const (
	Initialized             Type = "initialized"
	AdminTransferInitiated  Type = "admin_transfer_initiated"
	AdminTransferAccepted   Type = "admin_transfer_accepted"
	AdminTransferCancelled  Type = "admin_transfer_cancelled"
	AdminTransferExecuted   Type = "admin_transfer_executed"
	AgentRegistered         Type = "agent_registered"
	AgentTierChanged        Type = "agent_tier_changed"
	AgentBanned             Type = "agent_banned"
	AgentSlashed            Type = "agent_slashed"
	StakeAdded              Type = "stake_added"
	StakeWithdrawn          Type = "stake_withdrawn"
	StakeForfeited          Type = "stake_forfeited"
	OracleSubmitted         Type = "oracle_submitted"
	OracleAggregated        Type = "oracle_aggregated"
	OracleDisputed          Type = "oracle_disputed"
	OracleDisputeResolved   Type = "oracle_dispute_resolved"
	OracleUpdated           Type = "oracle_updated"
	OracleStale             Type = "oracle_stale"
	ProposalCreated         Type = "proposal_created"
	VoteCast                Type = "vote_cast"
	ProposalFinalized       Type = "proposal_finalized"
	ProposalExecuted        Type = "proposal_executed"
	ProposalExpired         Type = "proposal_expired"
	ParameterUpdated        Type = "parameter_updated"
	SupplyMinted            Type = "supply_minted"
	SupplyBurned            Type = "supply_burned"
	EpochRolled             Type = "epoch_rolled"
	VaultDeposited          Type = "vault_deposited"
	VaultWithdrawn          Type = "vault_withdrawn"
	VaultRebalanced         Type = "vault_rebalanced"
	CircuitBreakerTriggered Type = "circuit_breaker_triggered"
	CircuitBreakerExpired   Type = "circuit_breaker_expired"
	CircuitBreakerValidated Type = "circuit_breaker_validated"
	AssetRegistered         Type = "asset_registered"
	AssetPriceUpdated       Type = "asset_price_updated"
)

// Event 是一次状态变更的可观测记录。
type Event struct {
	Type       Type              `json:"type"`
	At         int64             `json:"at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Recorder 在单个事务内收集事件，并携带该事务的账本时间。
type Recorder struct {
	Now    int64
	events []Event
}

// NewRecorder 以给定账本时间创建记录器。
func NewRecorder(now int64) *Recorder {
	return &Recorder{Now: now}
}

// Emit 追加一个事件。kv 依次为键和值，奇数个时最后一个键被忽略。
func (r *Recorder) Emit(t Type, kv ...string) {
	if r == nil {
		return
	}
	var attrs map[string]string
	if len(kv) >= 2 {
		attrs = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			attrs[kv[i]] = kv[i+1]
		}
	}
	r.events = append(r.events, Event{Type: t, At: r.Now, Attributes: attrs})
}

// Events 返回已记录的事件。
func (r *Recorder) Events() []Event {
	if r == nil || len(r.events) == 0 {
		return nil
	}
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count 返回指定类型事件的数量。
func (r *Recorder) Count(t Type) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// U 格式化无符号数量。
func U(v uint64) string { return strconv.FormatUint(v, 10) }

// I 格式化有符号数量。
func I(v int64) string { return strconv.FormatInt(v, 10) }
