package registry

import (
	"time"

	"golang.org/x/time/rate"
)

// ownerWindow 记录某个 owner 在固定窗口内的注册次数。
type ownerWindow struct {
	Start int64 `json:"start"`
	Count int   `json:"count"`
}

// allowOwner 判断 owner 在当前窗口是否仍可注册，不修改状态。
func (r *Registry) allowOwner(owner string, now int64) bool {
	if r.cfg.OwnerMaxPerWindow <= 0 {
		return true
	}
	w, ok := r.owners[owner]
	if !ok || now-w.Start >= r.cfg.OwnerWindow {
		return true
	}
	return w.Count < r.cfg.OwnerMaxPerWindow
}

func (r *Registry) recordOwner(owner string, now int64) {
	w, ok := r.owners[owner]
	if !ok || now-w.Start >= r.cfg.OwnerWindow {
		r.owners[owner] = ownerWindow{Start: now, Count: 1}
		return
	}
	w.Count++
	r.owners[owner] = w
}

// globalLimiter 是全网注册令牌桶，按账本时间求值以保证各副本结果一致。
type globalLimiter struct {
	limiter *rate.Limiter
}

func newGlobalLimiter(perHour float64, burst int) *globalLimiter {
	if perHour <= 0 || burst <= 0 {
		return nil
	}
	return &globalLimiter{limiter: rate.NewLimiter(rate.Limit(perHour/3600), burst)}
}

// available 只读地检查是否还有令牌。
func (g *globalLimiter) available(now int64) bool {
	if g == nil {
		return true
	}
	return g.limiter.TokensAt(time.Unix(now, 0)) >= 1
}

// take 消耗一个令牌，只由 CommitLimits 调用。
func (g *globalLimiter) take(now int64) bool {
	if g == nil {
		return true
	}
	return g.limiter.AllowN(time.Unix(now, 0), 1)
}
