// Package clock 提供可注入的时间源，过期判断都经由它取"当前时间"。
package clock

import (
	"sync"
	"time"
)

// Clock 返回当前时间。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System 返回基于系统时间的 Clock（UTC）。
func System() Clock { return systemClock{} }

// Fake 是可手动拨动的时钟，测试用。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake 创建停在 t 的时钟。
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set 把时钟拨到 t。
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance 前进 d。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
