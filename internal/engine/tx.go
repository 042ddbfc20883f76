package engine

import (
	"encoding/json"
	"fmt"

	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/governance"
	"ARS-Engine/internal/reserve"
)

// Kind 标识事务类型。
type Kind string

const (
	KindRegisterAgent    Kind = "register_agent"
	KindVerifyAgent      Kind = "verify_agent"
	KindWhitelistAgent   Kind = "whitelist_agent"
	KindAddStake         Kind = "add_stake"
	KindWithdrawStake    Kind = "withdraw_stake"
	KindOracleSubmit     Kind = "oracle_submit"
	KindOracleDispute    Kind = "oracle_dispute"
	KindOracleResolve    Kind = "oracle_resolve"
	KindOracleCommit     Kind = "oracle_commit"
	KindCreateProposal   Kind = "create_proposal"
	KindVote             Kind = "vote"
	KindFinalizeProposal Kind = "finalize_proposal"
	KindExecuteProposal  Kind = "execute_proposal"
	KindMint             Kind = "mint"
	KindBurn             Kind = "burn"
	KindRollEpoch        Kind = "roll_epoch"
	KindDeposit          Kind = "deposit"
	KindWithdraw         Kind = "withdraw"
	KindRebalance        Kind = "rebalance"
	KindRegisterAsset    Kind = "register_asset"
	KindUpdatePrice      Kind = "update_price"
	KindTriggerBreaker   Kind = "trigger_breaker"
	KindValidateBreaker  Kind = "validate_breaker"
	KindAdminInitiate    Kind = "admin_initiate"
	KindAdminAccept      Kind = "admin_accept"
	KindAdminCancel      Kind = "admin_cancel"
	KindAdminConfirm     Kind = "admin_confirm"
	KindSetParameter     Kind = "set_parameter"
	KindTick             Kind = "tick"
)

// Kinds 返回全部事务类型。
func Kinds() []Kind {
	return []Kind{
		KindRegisterAgent, KindVerifyAgent, KindWhitelistAgent, KindAddStake, KindWithdrawStake,
		KindOracleSubmit, KindOracleDispute, KindOracleResolve, KindOracleCommit,
		KindCreateProposal, KindVote, KindFinalizeProposal, KindExecuteProposal,
		KindMint, KindBurn, KindRollEpoch,
		KindDeposit, KindWithdraw, KindRebalance, KindRegisterAsset, KindUpdatePrice,
		KindTriggerBreaker, KindValidateBreaker,
		KindAdminInitiate, KindAdminAccept, KindAdminCancel, KindAdminConfirm,
		KindSetParameter, KindTick,
	}
}

// Tx 是复制日志中的一条事务。Timestamp 是账本时间（Unix 秒）。
type Tx struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Sender    string          `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// needsNonce 报告该类型是否消费发送方 nonce。注册与心跳事务不消费。
func (k Kind) needsNonce() bool {
	return k != KindRegisterAgent && k != KindTick
}

// RegisterAgentPayload 登记智能体。
type RegisterAgentPayload struct {
	Owner string `json:"owner,omitempty"`
	Stake uint64 `json:"stake"`
	Type  string `json:"type,omitempty"`
}

// StakePayload 追加或取回质押。
type StakePayload struct {
	Amount uint64 `json:"amount"`
}

// AgentPayload 指定目标智能体。
type AgentPayload struct {
	Agent string `json:"agent"`
}

// OracleSubmitPayload 提交价格。
type OracleSubmitPayload struct {
	Value     uint64 `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// OracleDisputePayload 质疑待激活值。
type OracleDisputePayload struct {
	CounterValue uint64 `json:"counter_value"`
	Evidence     []byte `json:"evidence"`
	Stake        uint64 `json:"stake"`
}

// ResolvePayload 给出裁决结果。
type ResolvePayload struct {
	Valid bool `json:"valid"`
}

// CreateProposalPayload 创建提案。Policy 使用 {"kind","body"} 编码。
type CreateProposalPayload struct {
	Policy       json.RawMessage `json:"policy"`
	Params       []byte          `json:"params,omitempty"`
	VotingPeriod int64           `json:"voting_period"`
}

// VotePayload 投票。
type VotePayload struct {
	Proposal   uint64 `json:"proposal"`
	Prediction bool   `json:"prediction"`
	Stake      uint64 `json:"stake"`
}

// ProposalPayload 指定提案。
type ProposalPayload struct {
	Proposal uint64 `json:"proposal"`
}

// AmountPayload 用于铸造与销毁，Account 是接收或扣减账户。
type AmountPayload struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// VaultPayload 用于存取金库资产。
type VaultPayload struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

// RegisterAssetPayload 登记储备资产。
type RegisterAssetPayload struct {
	Asset reserve.Asset `json:"asset"`
}

// UpdatePricePayload 更新资产价格，精度为 1e6。
type UpdatePricePayload struct {
	Asset string `json:"asset"`
	Price uint64 `json:"price"`
}

// TriggerBreakerPayload 触发熔断。
type TriggerBreakerPayload struct {
	Reason   reserve.Reason `json:"reason"`
	Evidence []byte         `json:"evidence"`
	Stake    uint64         `json:"stake"`
}

// ValidateBreakerPayload 裁决熔断。
type ValidateBreakerPayload struct {
	Valid    bool `json:"valid"`
	Severity int  `json:"severity,omitempty"`
}

// AdminInitiatePayload 发起权限移交。
type AdminInitiatePayload struct {
	NewAdmin      string `json:"new_admin"`
	TimelockHours int64  `json:"timelock_hours"`
}

// SetParameterPayload 在创世期直接修改参数。
type SetParameterPayload struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// NewTx 以 JSON 编码 payload 构造事务。
func NewTx(kind Kind, sender string, nonce uint64, timestamp int64, payload any) (Tx, error) {
	tx := Tx{Kind: kind, Sender: sender, Nonce: nonce, Timestamp: timestamp}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Tx{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode payload")
		}
		tx.Payload = raw
	}
	return tx, nil
}

// ProposalTx 把策略编码进 create_proposal 事务。
func ProposalTx(sender string, nonce uint64, timestamp int64, policy governance.Policy, votingPeriod int64) (Tx, error) {
	raw, err := governance.EncodePolicy(policy)
	if err != nil {
		return Tx{}, err
	}
	return NewTx(KindCreateProposal, sender, nonce, timestamp, CreateProposalPayload{Policy: raw, VotingPeriod: votingPeriod})
}

func decodePayload(tx Tx, v any) error {
	if len(tx.Payload) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s requires a payload", tx.Kind))
	}
	if err := json.Unmarshal(tx.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("decode %s payload", tx.Kind))
	}
	return nil
}
