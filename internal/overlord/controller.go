// Package overlord 持续维护一组运行指定程序的 vessel：
// 不足时向 broker 申请，新 vessel 上传并启动程序，不在运行的释放，租约定期续期
package overlord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"overlord/internal/clock"
	"overlord/pkg/model"
)

const (
	DefaultPollInterval    = 15 * time.Minute
	DefaultRenewalInterval = 2 * 24 * time.Hour
	// DefaultNodeTimeout 上传程序可能较慢，节点调用超时比 explib 默认值大
	DefaultNodeTimeout = 90 * time.Second
	DefaultStopFile    = "stop"
	DefaultConcurrency = 5
)

// ErrInvalidConfig 启动时发现配置不可用，只有这种情况 New 会直接失败
var ErrInvalidConfig = errors.New("invalid overlord configuration")

// Broker 控制器使用的 broker 操作，*broker.Client 满足该接口
type Broker interface {
	AcquireVessels(ctx context.Context, vesselType model.VesselType, n int) ([]model.VesselHandle, error)
	ReleaseVessels(ctx context.Context, handles []model.VesselHandle) error
	RenewVessels(ctx context.Context, handles []model.VesselHandle) error
	AcquiredVessels(ctx context.Context) ([]model.VesselHandle, error)
	MaxVesselsAllowed(ctx context.Context) (int, error)
	UserPort(ctx context.Context) (int, error)
}

// Vessels 控制器使用的节点操作，*explib.Client 满足该接口
type Vessels interface {
	UploadFile(ctx context.Context, handle model.VesselHandle, identity *model.Identity, localPath, remoteName string) error
	StartVessel(ctx context.Context, handle model.VesselHandle, identity *model.Identity, program string, args []string) error
	VesselLog(ctx context.Context, handle model.VesselHandle, identity *model.Identity) (string, error)
	VesselStatus(ctx context.Context, handle model.VesselHandle, identity *model.Identity) (model.VesselStatus, error)
	VesselLocation(ctx context.Context, handle model.VesselHandle) (model.NodeLocation, error)
}

// Config 控制器配置，零值字段使用默认值
type Config struct {
	Identity    *model.Identity
	Count       int
	Type        model.VesselType
	ProgramPath string
	// Args 启动程序时的参数，AppendUserPort 为 true 时在末尾追加账户的 user port
	Args           []string
	AppendUserPort bool

	PollInterval    time.Duration
	RenewalInterval time.Duration
	StopFile        string
	Concurrency     int
}

// Deps 外部依赖。Strategy/Clock/Logger 可为空
type Deps struct {
	Broker   Broker
	Vessels  Vessels
	Strategy Strategy
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Controller 控制循环本身。除 Run 外的方法供 Strategy 实现调用
type Controller struct {
	cfg      Config
	broker   Broker
	vessels  Vessels
	strategy Strategy
	clock    clock.Clock
	logger   *zap.Logger

	userPort    int
	owned       []model.VesselHandle
	lastRenewal time.Time
}

// New 校验配置并完成启动流程：
// 删除残留的 stop 文件，执行 Startup 策略，从 broker 重新读取持有列表并统一续期一次
func New(ctx context.Context, cfg Config, deps Deps) (*Controller, error) {
	if deps.Broker == nil || deps.Vessels == nil {
		return nil, fmt.Errorf("%w: broker and vessel clients are required", ErrInvalidConfig)
	}
	if err := cfg.Identity.Validate(true, false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("%w: vessel type %q is not one of wan, lan, nat, rand", ErrInvalidConfig, cfg.Type)
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("%w: vessel count %d is negative", ErrInvalidConfig, cfg.Count)
	}
	if st, err := os.Stat(cfg.ProgramPath); err != nil || st.IsDir() {
		return nil, fmt.Errorf("%w: program file %q does not exist", ErrInvalidConfig, cfg.ProgramPath)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = DefaultRenewalInterval
	}
	if cfg.StopFile == "" {
		cfg.StopFile = DefaultStopFile
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	c := &Controller{
		cfg:      cfg,
		broker:   deps.Broker,
		vessels:  deps.Vessels,
		strategy: deps.Strategy,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
	if c.strategy == nil {
		c.strategy = DefaultStrategy{}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	// 1. 上一次留下的 stop 文件不应让这次立即退出
	if err := os.Remove(cfg.StopFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale stop file: %w", err)
	}

	// 2. 账户信息
	port, err := c.broker.UserPort(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading broker user port: %w", err)
	}
	c.userPort = port
	allowed, err := c.broker.MaxVesselsAllowed(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading broker vessel limit: %w", err)
	}
	if cfg.Count > allowed {
		return nil, fmt.Errorf("%w: %d vessels requested but the account allows %d", ErrInvalidConfig, cfg.Count, allowed)
	}

	// 3. 启动策略，之后不管策略做了什么都以 broker 的列表为准
	if err := c.strategy.Startup(ctx, c); err != nil {
		return nil, fmt.Errorf("startup: %w", err)
	}
	owned, err := c.broker.AcquiredVessels(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading acquired vessels: %w", err)
	}
	if len(owned) > 0 {
		c.logger.Info("[Overlord] Renewing vessels", zap.Int("count", len(owned)))
		if err := c.broker.RenewVessels(ctx, owned); err != nil {
			return nil, fmt.Errorf("renewing acquired vessels: %w", err)
		}
	}
	c.owned = owned
	c.lastRenewal = c.clock.Now()
	return c, nil
}

// Run 主循环。发现 stop 文件时返回 nil，ctx 取消时返回 ctx.Err()
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("[Overlord] Started",
		zap.String("user", c.cfg.Identity.Username),
		zap.Int("target", c.cfg.Count),
		zap.String("type", string(c.cfg.Type)),
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Duration("renewal_interval", c.cfg.RenewalInterval))

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("[Overlord] Stopped.")
			return err
		}
		if c.stopRequested() {
			c.logger.Info("[Overlord] Stop file found; discontinuing operations", zap.String("file", c.cfg.StopFile))
			return nil
		}

		// 数量不对时立即进入下一轮
		if !c.iterate(ctx) {
			continue
		}

		select {
		case <-c.clock.After(c.cfg.PollInterval):
		case <-ctx.Done():
			c.logger.Info("[Overlord] Stopped.")
			return ctx.Err()
		}
	}
}

// iterate 执行一轮 acquire → initialize → evict → maintain，返回持有数是否等于目标
func (c *Controller) iterate(ctx context.Context) bool {
	fresh := c.strategy.Acquire(ctx, c, c.Owned())
	if len(fresh) > 0 {
		c.owned = c.strategy.Initialize(ctx, c, fresh, c.Owned())
	}
	c.owned = c.strategy.Evict(ctx, c, c.Owned())
	c.lastRenewal = c.strategy.Maintain(ctx, c, c.lastRenewal, c.Owned())
	return len(c.owned) == c.cfg.Count
}

func (c *Controller) stopRequested() bool {
	_, err := os.Stat(c.cfg.StopFile)
	return err == nil
}

// Config 生效的配置 (已填默认值)
func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) Logger() *zap.Logger { return c.logger }

func (c *Controller) Now() time.Time { return c.clock.Now() }

// UserPort New 时缓存的账户端口
func (c *Controller) UserPort() int { return c.userPort }

// Owned 当前持有列表的副本
func (c *Controller) Owned() []model.VesselHandle {
	return append([]model.VesselHandle(nil), c.owned...)
}

// ProgramName 程序在 vessel 中的文件名
func (c *Controller) ProgramName() string {
	return filepath.Base(c.cfg.ProgramPath)
}

// ProgramArgs 启动参数，按配置追加 user port
func (c *Controller) ProgramArgs() []string {
	args := append([]string(nil), c.cfg.Args...)
	if c.cfg.AppendUserPort {
		args = append(args, fmt.Sprint(c.userPort))
	}
	return args
}
