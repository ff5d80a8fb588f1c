// Package watcher 周期性查找一个身份可用的全部 vessel，交给 monitor 检查状态并汇报变化
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlord/internal/clock"
	"overlord/internal/monitor"
	"overlord/pkg/model"
)

const DefaultRediscover = 10 * time.Minute

// Discoverer 查找身份下的 vessel，*explib.Client 满足该接口
type Discoverer interface {
	LookupByIdentity(ctx context.Context, identity *model.Identity) ([]model.NodeLocation, error)
	FindVesselsOnNodes(ctx context.Context, identity *model.Identity, locations []model.NodeLocation) ([]model.VesselHandle, error)
}

type Config struct {
	Identity *model.Identity
	// Rediscover 两次查找之间的间隔
	Rediscover time.Duration
	// Interval/Concurrency 透传给 monitor，0 表示 monitor 的默认值
	Interval    time.Duration
	Concurrency int
}

type Agent struct {
	cfg      Config
	finder   Discoverer
	registry *monitor.Registry
	clock    clock.Clock
	logger   *zap.Logger
	out      io.Writer

	mu     sync.Mutex
	id     monitor.ID
	active map[model.VesselHandle]model.VesselStatus
}

type Option func(*Agent)

func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithOutput 状态变化和当前活跃集合的文本输出，默认丢弃
func WithOutput(w io.Writer) Option {
	return func(a *Agent) { a.out = w }
}

func NewAgent(cfg Config, finder Discoverer, registry *monitor.Registry, opts ...Option) (*Agent, error) {
	if finder == nil || registry == nil {
		return nil, errors.New("watcher: a discoverer and a monitor registry are required")
	}
	if err := cfg.Identity.Validate(false, false); err != nil {
		return nil, err
	}
	if cfg.Rediscover < 0 {
		return nil, fmt.Errorf("watcher: rediscover interval %s must not be negative", cfg.Rediscover)
	}
	if cfg.Rediscover == 0 {
		cfg.Rediscover = DefaultRediscover
	}

	a := &Agent{
		cfg:      cfg,
		finder:   finder,
		registry: registry,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		out:      io.Discard,
		active:   make(map[model.VesselHandle]model.VesselStatus),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run 立即查找一次，之后每隔 Rediscover 再查找，直到 ctx 取消
// 返回时移除 monitor
func (a *Agent) Run(ctx context.Context) error {
	defer a.stop()

	a.logger.Info("[Watcher] Watching vessels",
		zap.String("user", a.cfg.Identity.Username),
		zap.Duration("rediscover", a.cfg.Rediscover))
	for {
		a.discover(ctx)
		select {
		case <-a.clock.After(a.cfg.Rediscover):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// discover 查找失败只记录日志，下一轮再试
func (a *Agent) discover(ctx context.Context) {
	locations, err := a.finder.LookupByIdentity(ctx, a.cfg.Identity)
	if err != nil {
		a.logger.Warn("[Watcher] Lookup failed", zap.Error(err))
		return
	}
	handles, err := a.finder.FindVesselsOnNodes(ctx, a.cfg.Identity, locations)
	if err != nil {
		a.logger.Warn("[Watcher] Finding vessels failed", zap.Error(err))
		return
	}
	a.logger.Debug("[Watcher] Discovered vessels",
		zap.Int("locations", len(locations)),
		zap.Int("vessels", len(handles)))

	a.mu.Lock()
	id := a.id
	a.mu.Unlock()

	if id != "" {
		if err := a.registry.Add(id, handles); err != nil {
			a.logger.Error("[Watcher] Adding vessels to monitor failed", zap.Error(err))
		}
		return
	}

	id, err = a.registry.Register(a.cfg.Identity, handles, a.onChange, a.cfg.Interval, a.cfg.Concurrency)
	if err != nil {
		a.logger.Error("[Watcher] Registering monitor failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}

func (a *Agent) stop() {
	a.mu.Lock()
	id := a.id
	a.id = ""
	a.mu.Unlock()
	if id != "" {
		_ = a.registry.Remove(id)
	}
}

// onChange monitor 回调，可能被多个 goroutine 同时调用
func (a *Agent) onChange(handle model.VesselHandle, oldStatus, newStatus model.VesselStatus) {
	a.logger.Info("[Watcher] Vessel status changed",
		zap.String("vessel", string(handle)),
		zap.String("old", string(oldStatus)),
		zap.String("new", string(newStatus)))

	a.mu.Lock()
	defer a.mu.Unlock()
	if newStatus.Active() {
		a.active[handle] = newStatus
	} else {
		delete(a.active, handle)
	}

	old := string(oldStatus)
	if oldStatus == model.StatusUnknown {
		old = "(new)"
	}
	fmt.Fprintf(a.out, "%s: %s -> %s\n", handle, old, newStatus)
	fmt.Fprintf(a.out, "active vessels (%d): %s\n", len(a.active), strings.Join(a.activeLocked(), ", "))
}

// Active 当前处于可用状态的 vessel，按 handle 排序
func (a *Agent) Active() []model.VesselHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.VesselHandle, 0, len(a.active))
	for h := range a.active {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Agent) activeLocked() []string {
	out := make([]string, 0, len(a.active))
	for h, status := range a.active {
		out = append(out, string(h)+" ("+string(status)+")")
	}
	sort.Strings(out)
	return out
}
