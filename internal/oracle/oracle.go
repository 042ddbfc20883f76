// Package oracle aggregates agent-submitted values into a committed signal
// using a deterministic median, a dispute window and lazy round timeouts.
package oracle

import (
	"sort"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/registry"
)

// MinQuorum 是提交值被信任所需的最少独立提交者数量。
const MinQuorum = 3

// Config 描述预言机的时间窗口与经济参数。
type Config struct {
	UpdateInterval        int64  `json:"update_interval"`
	DisputeWindow         int64  `json:"dispute_window"`
	MaxRoundWait          int64  `json:"max_round_wait"`
	StalenessWindow       int64  `json:"staleness_window"`
	MaxTimestampAge       int64  `json:"max_timestamp_age"`
	FutureTolerance       int64  `json:"future_tolerance"`
	TargetSubmitters      int    `json:"target_submitters"`
	MaxPending            int    `json:"max_pending"`
	MinReputation         int    `json:"min_reputation"`
	MaxValue              uint64 `json:"max_value"`
	MinDisputeStake       uint64 `json:"min_dispute_stake"`
	DeviationThresholdBps uint64 `json:"deviation_threshold_bps"`
	SlashBps              uint64 `json:"slash_bps"`
}

// DefaultConfig 返回协议默认参数。
func DefaultConfig() Config {
	return Config{
		UpdateInterval:        300,
		DisputeWindow:         300,
		MaxRoundWait:          900,
		StalenessWindow:       3600,
		MaxTimestampAge:       300,
		FutureTolerance:       60,
		TargetSubmitters:      MinQuorum,
		MaxPending:            10,
		MinReputation:         50,
		MaxValue:              1_000_000_000_000,
		MinDisputeStake:       500,
		DeviationThresholdBps: 500,
		SlashBps:              1000,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.TargetSubmitters < MinQuorum {
		c.TargetSubmitters = MinQuorum
	}
	if c.MaxPending < c.TargetSubmitters {
		c.MaxPending = def.MaxPending
		if c.MaxPending < c.TargetSubmitters {
			c.MaxPending = c.TargetSubmitters
		}
	}
	if c.MaxValue == 0 {
		c.MaxValue = def.MaxValue
	}
	if c.DisputeWindow <= 0 {
		c.DisputeWindow = def.DisputeWindow
	}
	if c.MaxRoundWait <= 0 {
		c.MaxRoundWait = def.MaxRoundWait
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = def.StalenessWindow
	}
	if c.MaxTimestampAge <= 0 {
		c.MaxTimestampAge = def.MaxTimestampAge
	}
	return c
}

// Submission 是一次提交。
type Submission struct {
	Agent     string `json:"agent"`
	Value     uint64 `json:"value"`
	Timestamp int64  `json:"timestamp"`
	At        int64  `json:"at"`
}

// Dispute 记录对待激活值的质疑。
type Dispute struct {
	Disputer     string `json:"disputer"`
	CounterValue uint64 `json:"counter_value"`
	EvidenceHash string `json:"evidence_hash"`
	Stake        uint64 `json:"stake"`
	OpenedAt     int64  `json:"opened_at"`
}

// Pending 是聚合后等待争议窗口结束的值。
type Pending struct {
	Value        uint64       `json:"value"`
	At           int64        `json:"at"`
	Contributors []Submission `json:"contributors"`
	Dispute      *Dispute     `json:"dispute,omitempty"`
}

// Oracle 保存当前轮次与已提交值。
type Oracle struct {
	cfg Config

	Sequence    uint64                `json:"sequence"`
	Round       map[string]Submission `json:"round"`
	OpenedAt    int64                 `json:"opened_at"`
	Pending     *Pending              `json:"pending,omitempty"`
	Committed   uint64                `json:"committed"`
	CommittedAt int64                 `json:"committed_at"`
	Stale       bool                  `json:"stale"`
}

// New 创建预言机。
func New(cfg Config) *Oracle {
	return &Oracle{cfg: cfg.normalize(), Round: make(map[string]Submission)}
}

// Clone 深拷贝。
func (o *Oracle) Clone() *Oracle {
	c := *o
	c.Round = make(map[string]Submission, len(o.Round))
	for k, v := range o.Round {
		c.Round[k] = v
	}
	if o.Pending != nil {
		p := *o.Pending
		p.Contributors = append([]Submission(nil), o.Pending.Contributors...)
		if o.Pending.Dispute != nil {
			d := *o.Pending.Dispute
			p.Dispute = &d
		}
		c.Pending = &p
	}
	return &c
}

// Config 返回当前参数。
func (o *Oracle) Config() Config { return o.cfg }

// SetConfig 更新参数，用于治理参数变更。
func (o *Oracle) SetConfig(cfg Config) { o.cfg = cfg.normalize() }

// Submit 接收一次提交，达到目标人数时立即聚合。
func (o *Oracle) Submit(rec *event.Recorder, reg *registry.Registry, agentID string, value uint64, timestamp int64) error {
	now := rec.Now
	agent, err := reg.RequireTier(agentID, registry.TierVerified)
	if err != nil {
		return err
	}
	if agent.Reputation < o.cfg.MinReputation {
		return ErrLowReputation.With(xerrors.WithBound(uint64(o.cfg.MinReputation), uint64(agent.Reputation)))
	}
	if value == 0 || value > o.cfg.MaxValue {
		return ErrInvalidValue.With(xerrors.WithBound(o.cfg.MaxValue, value))
	}
	if timestamp < now-o.cfg.MaxTimestampAge {
		return ErrStaleTimestamp.With(
			xerrors.WithMetadata("direction", "past"),
			xerrors.WithSignedBound(now-o.cfg.MaxTimestampAge, timestamp),
		)
	}
	if timestamp > now+o.cfg.FutureTolerance {
		return ErrStaleTimestamp.With(
			xerrors.WithMetadata("direction", "future"),
			xerrors.WithSignedBound(now+o.cfg.FutureTolerance, timestamp),
		)
	}
	if o.Pending != nil {
		return ErrRoundPending
	}
	if agent.LastSubmissionAt != 0 && now-agent.LastSubmissionAt < o.cfg.UpdateInterval {
		return ErrRateLimited.With(xerrors.WithSignedBound(agent.LastSubmissionAt+o.cfg.UpdateInterval, now))
	}
	if _, ok := o.Round[agentID]; !ok && len(o.Round) >= o.cfg.MaxPending {
		return ErrRoundFull.With(xerrors.WithBound(uint64(o.cfg.MaxPending), uint64(len(o.Round))))
	}

	if len(o.Round) == 0 {
		o.OpenedAt = now
	}
	o.Round[agentID] = Submission{Agent: agentID, Value: value, Timestamp: timestamp, At: now}
	agent.LastSubmissionAt = now
	reg.Touch(agentID, now)
	rec.Emit(event.OracleSubmitted, "agent", agentID, "value", event.U(value), "round_size", event.I(int64(len(o.Round))))

	if len(o.Round) >= o.cfg.TargetSubmitters {
		o.aggregate(rec)
	}
	return nil
}

// aggregate 计算中位数并打开争议窗口。调用方保证轮次非空。
func (o *Oracle) aggregate(rec *event.Recorder) {
	contributors := make([]Submission, 0, len(o.Round))
	values := make([]uint64, 0, len(o.Round))
	for _, s := range o.Round {
		contributors = append(contributors, s)
		values = append(values, s.Value)
	}
	sort.Slice(contributors, func(i, j int) bool { return contributors[i].Agent < contributors[j].Agent })
	median, _ := Median(values)

	o.Pending = &Pending{Value: median, At: rec.Now, Contributors: contributors}
	o.Round = make(map[string]Submission)
	o.OpenedAt = 0
	rec.Emit(event.OracleAggregated,
		"value", event.U(median),
		"contributors", event.I(int64(len(contributors))),
		"window_ends", event.I(rec.Now+o.cfg.DisputeWindow),
	)
}

// Commit 在争议窗口结束且无未决争议时激活待定值。
func (o *Oracle) Commit(rec *event.Recorder, reg *registry.Registry) error {
	p := o.Pending
	if p == nil {
		return ErrNothingPending
	}
	if p.Dispute != nil {
		return ErrDisputeOpen
	}
	if rec.Now < p.At+o.cfg.DisputeWindow {
		return ErrDisputeWindowOpen.With(xerrors.WithSignedBound(p.At+o.cfg.DisputeWindow, rec.Now))
	}
	if len(p.Contributors) < MinQuorum {
		return ErrInsufficientConsensus.With(xerrors.WithBound(MinQuorum, uint64(len(p.Contributors))))
	}
	seq, err := checked.Inc(o.Sequence)
	if err != nil {
		return err
	}
	for _, s := range p.Contributors {
		if deviationBps(s.Value, p.Value) <= o.cfg.DeviationThresholdBps {
			if _, err := reg.AdjustReputation(rec, s.Agent, 1); err != nil {
				return err
			}
		}
	}
	o.Sequence = seq
	o.Committed = p.Value
	o.CommittedAt = rec.Now
	o.Stale = false
	o.Pending = nil
	rec.Emit(event.OracleUpdated,
		"value", event.U(p.Value),
		"sequence", event.U(seq),
		"consensus_agents", event.I(int64(len(p.Contributors))),
	)
	return nil
}

// Tick 执行惰性检查：自动激活、轮次超时与过期标记。
func (o *Oracle) Tick(rec *event.Recorder, reg *registry.Registry) error {
	now := rec.Now
	if p := o.Pending; p != nil && p.Dispute == nil && now >= p.At+o.cfg.DisputeWindow {
		if err := o.Commit(rec, reg); err != nil {
			return err
		}
	}
	if o.Pending == nil && len(o.Round) > 0 && now-o.OpenedAt >= o.cfg.MaxRoundWait {
		if len(o.Round) >= MinQuorum {
			o.aggregate(rec)
		} else {
			size := len(o.Round)
			o.Round = make(map[string]Submission)
			o.OpenedAt = 0
			o.markStale(rec, "quorum_not_reached", size)
		}
	}
	if !o.Stale && o.CommittedAt != 0 && now-o.CommittedAt > o.cfg.StalenessWindow {
		o.markStale(rec, "no_recent_commit", 0)
	}
	return nil
}

func (o *Oracle) markStale(rec *event.Recorder, reason string, submitters int) {
	o.Stale = true
	rec.Emit(event.OracleStale, "reason", reason, "submitters", event.I(int64(submitters)))
}

// Value 返回已提交值及其是否新鲜。
func (o *Oracle) Value(now int64) (uint64, bool) {
	if o.CommittedAt == 0 || o.Stale {
		return o.Committed, false
	}
	return o.Committed, now-o.CommittedAt <= o.cfg.StalenessWindow
}
