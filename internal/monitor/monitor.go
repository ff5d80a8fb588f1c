// Package monitor 周期性检查一组 vessel 的状态，状态变化时回调
//
// 同一个 monitor 的各轮检查不会重叠：下一轮在上一轮全部完成 interval 之后才开始。
// 不同 monitor 之间完全独立，可能同时访问同一个节点，节点可能因此拒绝部分连接，这里不做特殊处理
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"overlord/internal/clock"
	"overlord/internal/parallel"
	"overlord/pkg/model"
)

const (
	DefaultInterval    = 300 * time.Second
	DefaultConcurrency = 10
)

// ErrUnknownMonitor ID 无效或 monitor 已被移除
var ErrUnknownMonitor = errors.New("unknown vessel status monitor")

// StatusChecker 查询单个 vessel 状态，*explib.Client 满足该接口
type StatusChecker interface {
	VesselStatus(ctx context.Context, handle model.VesselHandle, identity *model.Identity) (model.VesselStatus, error)
}

// Callback 状态变化时调用。oldStatus 为 StatusUnknown 表示第一次观察到
type Callback func(handle model.VesselHandle, oldStatus, newStatus model.VesselStatus)

// ID monitor 句柄
type ID string

type monitor struct {
	id          ID
	identity    *model.Identity
	callback    Callback
	interval    time.Duration
	concurrency int

	// 以下字段由 Registry.mu 保护
	watched  []model.VesselHandle
	statuses map[model.VesselHandle]model.VesselStatus
	canceled bool
	timer    clock.Timer
}

// Registry 管理所有 monitor，自己持有一把锁，与 explib 的缓存锁无关
type Registry struct {
	checker StatusChecker
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	monitors map[ID]*monitor
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(checker StatusChecker, opts ...Option) *Registry {
	r := &Registry{
		checker:  checker,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		monitors: make(map[ID]*monitor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 创建 monitor 并立即开始第一轮检查
// interval/concurrency 为 0 时使用默认值，负数视为非法
func (r *Registry) Register(identity *model.Identity, handles []model.VesselHandle, callback Callback, interval time.Duration, concurrency int) (ID, error) {
	// 1. 校验参数
	if err := identity.Validate(false, false); err != nil {
		return "", err
	}
	if err := model.ValidateHandles(handles); err != nil {
		return "", err
	}
	if callback == nil {
		return "", fmt.Errorf("monitor: a callback is required")
	}
	if interval < 0 || concurrency < 0 {
		return "", fmt.Errorf("monitor: interval %s and concurrency %d must not be negative", interval, concurrency)
	}
	if interval == 0 {
		interval = DefaultInterval
	}
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}

	// 2. 建立 monitor，每个 handle 的初始状态为空
	m := &monitor{
		id:          ID("MONITOR_" + uuid.NewString()),
		identity:    identity,
		callback:    callback,
		interval:    interval,
		concurrency: concurrency,
		statuses:    make(map[model.VesselHandle]model.VesselStatus),
	}
	for _, h := range handles {
		if _, dup := m.statuses[h]; dup {
			continue
		}
		m.watched = append(m.watched, h)
		m.statuses[h] = model.StatusUnknown
	}

	r.mu.Lock()
	r.monitors[m.id] = m
	r.mu.Unlock()

	r.logger.Info("[Monitor] registered",
		zap.String("monitor", string(m.id)),
		zap.Int("vessels", len(m.watched)),
		zap.Duration("interval", interval))

	// 3. 第一轮不等待
	go r.runPass(m)
	return m.id, nil
}

// Add 把 handle 加入监视列表，已在列表中的忽略，下一轮生效
// 之前因不可用被移出列表的 handle 重新加入时，其上次状态重置为未知，下一次观察必定回调
func (r *Registry) Add(id ID, handles []model.VesselHandle) error {
	if err := model.ValidateHandles(handles); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMonitor, id)
	}
	for _, h := range handles {
		if contains(m.watched, h) {
			continue
		}
		m.watched = append(m.watched, h)
		m.statuses[h] = model.StatusUnknown
	}
	return nil
}

// Remove 取消 monitor 并撤销下一轮定时
// 正在进行的一轮不会被打断，但尚未开始检查的 vessel 会被跳过；Remove 返回后回调仍可能被调用
func (r *Registry) Remove(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMonitor, id)
	}
	m.canceled = true
	if m.timer != nil {
		m.timer.Stop()
	}
	delete(r.monitors, id)

	r.logger.Info("[Monitor] removed", zap.String("monitor", string(id)))
	return nil
}

// Close 移除所有 monitor
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

// Status 返回 handle 的上次观察状态。handle 从未被该 monitor 监视过时 ok 为 false
func (r *Registry) Status(id ID, handle model.VesselHandle) (model.VesselStatus, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownMonitor, id)
	}
	status, known := m.statuses[handle]
	return status, known, nil
}

// Watched 返回当前监视列表的副本
func (r *Registry) Watched(id ID) ([]model.VesselHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, id)
	}
	return append([]model.VesselHandle(nil), m.watched...), nil
}

// runPass 一轮检查：并发检查所有监视中的 vessel，全部完成后再安排下一轮
func (r *Registry) runPass(m *monitor) {
	r.mu.Lock()
	if m.canceled {
		r.mu.Unlock()
		return
	}
	targets := append([]model.VesselHandle(nil), m.watched...)
	r.mu.Unlock()

	_, failures, err := parallel.Run(context.Background(), targets, m.concurrency,
		func(ctx context.Context, h model.VesselHandle) (struct{}, error) {
			return struct{}{}, r.checkStatusChange(ctx, m, h)
		})
	if err != nil {
		r.logger.Error("[Monitor] dispatch failed", zap.String("monitor", string(m.id)), zap.Error(err))
	}
	for _, f := range failures {
		r.logger.Warn("[Monitor] status check failed",
			zap.String("monitor", string(m.id)),
			zap.String("vessel", string(f.Target)),
			zap.String("reason", f.Reason))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m.canceled {
		return
	}
	m.timer = r.clock.AfterFunc(m.interval, func() { r.runPass(m) })
}

// checkStatusChange 检查单个 vessel；取消标记在每个目标开始前检查
func (r *Registry) checkStatusChange(ctx context.Context, m *monitor, handle model.VesselHandle) error {
	r.mu.Lock()
	canceled := m.canceled
	r.mu.Unlock()
	if canceled {
		return nil
	}

	status, err := r.checker.VesselStatus(ctx, handle, m.identity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := m.statuses[handle]
	m.statuses[handle] = status
	if status.Inactive() {
		// 不可用的 vessel 移出监视列表，避免反复失败拖慢后续各轮；状态记录保留
		m.watched = without(m.watched, handle)
	}
	r.mu.Unlock()

	if old != status {
		r.notify(m, handle, old, status)
	}
	return nil
}

// notify 回调中的 panic 被捕获并记录，不会影响 monitor
func (r *Registry) notify(m *monitor, handle model.VesselHandle, old, status model.VesselStatus) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("[Monitor] status callback panicked",
				zap.String("monitor", string(m.id)),
				zap.String("vessel", string(handle)),
				zap.Any("panic", p),
				zap.Stack("stack"))
		}
	}()
	m.callback(handle, old, status)
}

func contains(list []model.VesselHandle, h model.VesselHandle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func without(list []model.VesselHandle, h model.VesselHandle) []model.VesselHandle {
	out := list[:0]
	for _, x := range list {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}
