package registry

import (
	"fmt"
	"strings"
)

// Tier 表示智能体的信任等级。
type Tier int

const (
	TierUnverified Tier = iota
	TierBasic
	TierVerified
	TierWhitelisted
)

var tierNames = map[Tier]string{
	TierUnverified:  "unverified",
	TierBasic:       "basic",
	TierVerified:    "verified",
	TierWhitelisted: "whitelisted",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText 实现 encoding.TextMarshaler。
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (t *Tier) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for tier, n := range tierNames {
		if n == name {
			*t = tier
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", name)
}

// Slash 记录一次罚没。
type Slash struct {
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// Agent 描述一个注册在协议中的自治智能体。
type Agent struct {
	ID               string  `json:"id"`
	Owner            string  `json:"owner"`
	Type             string  `json:"type"`
	Stake            uint64  `json:"stake"`
	Locked           uint64  `json:"locked"`
	Tier             Tier    `json:"tier"`
	Reputation       int     `json:"reputation"`
	Nonce            uint64  `json:"nonce"`
	Banned           bool    `json:"banned"`
	RegisteredAt     int64   `json:"registered_at"`
	LastActive       int64   `json:"last_active"`
	LastProposalAt   int64   `json:"last_proposal_at,omitempty"`
	LastSubmissionAt int64   `json:"last_submission_at,omitempty"`
	Slashes          []Slash `json:"slashes,omitempty"`
}

// Available 返回未被锁定的质押。
func (a *Agent) Available() uint64 {
	if a.Locked >= a.Stake {
		return 0
	}
	return a.Stake - a.Locked
}

func (a *Agent) clone() *Agent {
	c := *a
	if a.Slashes != nil {
		c.Slashes = make([]Slash, len(a.Slashes))
		copy(c.Slashes, a.Slashes)
	}
	return &c
}
