// Package clock 把时间相关操作抽象出来，生产代码用 Real()，测试用 NewFake() 手动推进时间
package clock

import "time"

// Clock monitor 的定时 pass、overlord 的轮询睡眠和续约计时都通过它获取时间
type Clock interface {
	Now() time.Time

	// After 在 d 之后往返回的 channel 写入当前时间，d <= 0 时立即写入
	After(d time.Duration) <-chan time.Time

	// AfterFunc 在 d 之后调用 f，返回的 Timer 可以取消尚未触发的调用
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 一次性定时器
type Timer interface {
	// Stop 取消定时器。已经触发或已经取消时返回 false
	Stop() bool
}

// Real 基于标准库 time 的时钟
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
