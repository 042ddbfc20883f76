// Package guard implements the acquire/release reentrancy lock held while a
// mutable aggregate is being entered.
package guard

import (
	xerrors "ARS-Engine/internal/errors"
)

// ErrReentrancy 表示在守卫持有期间再次进入同一聚合。
var ErrReentrancy = xerrors.New(xerrors.CodeReentrancy, "")

// Guard 是一个非阻塞的进入标记。零值可直接使用。
//
// Guard 随所属状态一起被复制，因此必须以值形式嵌入状态结构体，
// 并且只在单写者事务内使用。
type Guard struct {
	Held  bool   `json:"held"`
	Owner string `json:"owner,omitempty"`
}

// Acquire 尝试获取守卫。成功时返回的 release 必须通过 defer 调用。
func (g *Guard) Acquire(owner string) (func(), error) {
	if g.Held {
		return func() {}, ErrReentrancy.With(
			xerrors.WithMetadata("holder", g.Owner),
			xerrors.WithMetadata("caller", owner),
		)
	}
	g.Held = true
	g.Owner = owner
	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.Held = false
		g.Owner = ""
	}, nil
}
