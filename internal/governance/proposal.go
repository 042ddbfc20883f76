package governance

import (
	"encoding/json"
	"sort"
	"strings"

	xerrors "ARS-Engine/internal/errors"
)

// Status 表示提案生命周期阶段。
type Status int

const (
	StatusActive Status = iota
	StatusPassed
	StatusFailed
	StatusExecuted
	StatusExpired
)

var statusNames = map[Status]string{
	StatusActive:   "active",
	StatusPassed:   "passed",
	StatusFailed:   "failed",
	StatusExecuted: "executed",
	StatusExpired:  "expired",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidArgument, "unknown proposal status "+name)
}

// Terminal 报告状态是否不再变化。
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusExpired
}

// Vote 是智能体在某提案上唯一有效的投票记录。
type Vote struct {
	Agent      string `json:"agent"`
	Prediction bool   `json:"prediction"`
	Stake      uint64 `json:"stake"`
	Power      uint64 `json:"power"`
	At         int64  `json:"at"`
}

// Proposal 是一条治理提案。
type Proposal struct {
	ID             uint64          `json:"id"`
	Proposer       string          `json:"proposer"`
	Policy         Policy          `json:"-"`
	Params         []byte          `json:"params,omitempty"`
	YesStake       uint64          `json:"yes_stake"`
	NoStake        uint64          `json:"no_stake"`
	QuadraticYes   uint64          `json:"quadratic_yes"`
	QuadraticNo    uint64          `json:"quadratic_no"`
	Status         Status          `json:"status"`
	CreatedAt      int64           `json:"created_at"`
	VotingPeriod   int64           `json:"voting_period"`
	EndsAt         int64           `json:"ends_at"`
	PassedAt       int64           `json:"passed_at,omitempty"`
	ExecutionDelay int64           `json:"execution_delay"`
	ExecutedAt     int64           `json:"executed_at,omitempty"`
	Deposit        uint64          `json:"deposit"`
	ContextValue   uint64          `json:"context_value"`
	ContextFresh   bool            `json:"context_fresh"`
	Votes          map[string]Vote `json:"votes,omitempty"`
	Slashed        uint64          `json:"slashed,omitempty"`
}

// MarshalJSON 将策略以带标签的形式输出。
func (p Proposal) MarshalJSON() ([]byte, error) {
	type alias Proposal
	policy, err := EncodePolicy(p.Policy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Policy json.RawMessage `json:"policy"`
	}{alias: alias(p), Policy: policy})
}

// UnmarshalJSON 是 MarshalJSON 的逆操作。
func (p *Proposal) UnmarshalJSON(data []byte) error {
	type alias Proposal
	var aux struct {
		alias
		Policy json.RawMessage `json:"policy"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	policy, err := DecodePolicy(aux.Policy)
	if err != nil {
		return err
	}
	*p = Proposal(aux.alias)
	p.Policy = policy
	return nil
}

// Voters 返回按 ID 排序的投票记录。
func (p *Proposal) Voters() []Vote {
	out := make([]Vote, 0, len(p.Votes))
	for _, v := range p.Votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (p *Proposal) clone() *Proposal {
	cp := *p
	cp.Params = append([]byte(nil), p.Params...)
	cp.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return &cp
}
