package governance

import (
	"encoding/json"
	"strings"

	xerrors "ARS-Engine/internal/errors"
)

// PolicyKind 是策略联合体的标签。
type PolicyKind string

const (
	KindMintToken        PolicyKind = "mint_token"
	KindBurnToken        PolicyKind = "burn_token"
	KindRebalanceVault   PolicyKind = "rebalance_vault"
	KindStartEpoch       PolicyKind = "start_epoch"
	KindUpdateParameters PolicyKind = "update_parameters"
)

// Policy 是封闭的策略联合体，只有本包内的类型可以实现。
type Policy interface {
	Kind() PolicyKind
	validate() error
}

// MintToken 铸造储备代币。
type MintToken struct {
	Amount uint64 `json:"amount"`
	Dest   string `json:"dest"`
}

// BurnToken 销毁储备代币。
type BurnToken struct {
	Amount uint64 `json:"amount"`
	Source string `json:"source"`
}

// RebalanceVault 触发金库再平衡。
type RebalanceVault struct{}

// StartEpoch 在到期时滚动纪元。
type StartEpoch struct{}

// UpdateParameters 修改一个可由治理调整的参数。
type UpdateParameters struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

func (MintToken) Kind() PolicyKind        { return KindMintToken }
func (BurnToken) Kind() PolicyKind        { return KindBurnToken }
func (RebalanceVault) Kind() PolicyKind   { return KindRebalanceVault }
func (StartEpoch) Kind() PolicyKind       { return KindStartEpoch }
func (UpdateParameters) Kind() PolicyKind { return KindUpdateParameters }

func (p MintToken) validate() error {
	if p.Amount == 0 || strings.TrimSpace(p.Dest) == "" {
		return ErrInvalidPolicy.With(xerrors.WithMetadata("kind", string(KindMintToken)))
	}
	return nil
}

func (p BurnToken) validate() error {
	if p.Amount == 0 || strings.TrimSpace(p.Source) == "" {
		return ErrInvalidPolicy.With(xerrors.WithMetadata("kind", string(KindBurnToken)))
	}
	return nil
}

func (RebalanceVault) validate() error { return nil }
func (StartEpoch) validate() error     { return nil }

func (p UpdateParameters) validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return ErrInvalidPolicy.With(xerrors.WithMetadata("kind", string(KindUpdateParameters)))
	}
	return nil
}

type policyEnvelope struct {
	Kind PolicyKind      `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// EncodePolicy 将策略编码为带标签的 JSON。
func EncodePolicy(p Policy) (json.RawMessage, error) {
	if p == nil {
		return nil, ErrInvalidPolicy.With(xerrors.WithMetadata("reason", "nil policy"))
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidPolicy, err, "encode policy")
	}
	return json.Marshal(policyEnvelope{Kind: p.Kind(), Body: body})
}

// DecodePolicy 解析带标签的 JSON 策略。
func DecodePolicy(raw []byte) (Policy, error) {
	var env policyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(CodeInvalidPolicy, err, "decode policy")
	}
	var p Policy
	switch env.Kind {
	case KindMintToken:
		var v MintToken
		if err := decodeBody(env.Body, &v); err != nil {
			return nil, err
		}
		p = v
	case KindBurnToken:
		var v BurnToken
		if err := decodeBody(env.Body, &v); err != nil {
			return nil, err
		}
		p = v
	case KindRebalanceVault:
		p = RebalanceVault{}
	case KindStartEpoch:
		p = StartEpoch{}
	case KindUpdateParameters:
		var v UpdateParameters
		if err := decodeBody(env.Body, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, ErrInvalidPolicy.With(xerrors.WithMetadata("kind", string(env.Kind)))
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return ErrInvalidPolicy.With(xerrors.WithMetadata("reason", "missing body"))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return xerrors.Wrap(CodeInvalidPolicy, err, "decode policy body")
	}
	return nil
}
