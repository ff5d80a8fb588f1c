package overlord

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"overlord/pkg/model"
)

// Strategy 控制循环的可替换步骤。
// 想只替换其中一步，把 DefaultStrategy 嵌入自己的类型再覆盖对应方法即可
type Strategy interface {
	// Startup 在 New 中执行一次
	Startup(ctx context.Context, c *Controller) error
	// Acquire 返回本轮新申请到的 vessel
	Acquire(ctx context.Context, c *Controller, owned []model.VesselHandle) []model.VesselHandle
	// Initialize 部署新 vessel，返回更新后的持有列表 (owned 加上初始化成功的)
	Initialize(ctx context.Context, c *Controller, fresh, owned []model.VesselHandle) []model.VesselHandle
	// Evict 返回剔除后的持有列表
	Evict(ctx context.Context, c *Controller, owned []model.VesselHandle) []model.VesselHandle
	// Maintain 返回新的上次续期时间
	Maintain(ctx context.Context, c *Controller, lastRenewal time.Time, owned []model.VesselHandle) time.Time
}

// DefaultStrategy 默认行为
type DefaultStrategy struct{}

var _ Strategy = DefaultStrategy{}

// Startup 释放账户已持有的全部 vessel
func (DefaultStrategy) Startup(ctx context.Context, c *Controller) error {
	held, err := c.broker.AcquiredVessels(ctx)
	if err != nil {
		return fmt.Errorf("listing pre-allocated vessels: %w", err)
	}
	c.logger.Info("[Overlord] Releasing pre-allocated vessels", zap.Int("count", len(held)))
	c.ReleaseVessels(ctx, held)
	return nil
}

// Acquire 补足到目标数量
func (DefaultStrategy) Acquire(ctx context.Context, c *Controller, owned []model.VesselHandle) []model.VesselHandle {
	c.logger.Debug("[Overlord] Checking for unused vessel credits")
	missing := c.cfg.Count - len(owned)
	if missing <= 0 {
		return nil
	}
	return c.AcquireVessels(ctx, missing)
}

// Initialize 上传并启动程序，失败的 vessel 打印日志后释放
func (DefaultStrategy) Initialize(ctx context.Context, c *Controller, fresh, owned []model.VesselHandle) []model.VesselHandle {
	program := c.ProgramName()
	uploaded := c.UploadToVessels(ctx, fresh, c.cfg.ProgramPath, program)
	started := c.RunOnVessels(ctx, uploaded, program, c.ProgramArgs())

	failed := difference(fresh, started)
	if len(failed) > 0 {
		c.logger.Info("[Overlord] Releasing vessels because the program failed to upload or run",
			zap.Int("count", len(failed)), zap.String("program", program))
		for _, h := range failed {
			c.logger.Error("[Overlord] Vessel failed",
				zap.String("vessel", string(h)),
				zap.String("location", c.Location(ctx, h)),
				zap.String("log", c.VesselLog(ctx, h)))
		}
		c.ReleaseVessels(ctx, failed)
	}
	return append(owned, started...)
}

// Evict 释放所有不在运行的 vessel，查询状态出错也算不在运行
func (DefaultStrategy) Evict(ctx context.Context, c *Controller, owned []model.VesselHandle) []model.VesselHandle {
	c.logger.Debug("[Overlord] Checking for stopped vessels")
	running, stopped := c.filterRunning(ctx, owned)
	if len(stopped) > 0 {
		c.logger.Info("[Overlord] Releasing stopped vessels", zap.Int("count", len(stopped)))
		c.ReleaseVessels(ctx, stopped)
	}
	c.logger.Info("[Overlord] Currently have running vessels", zap.Int("count", len(running)))
	return running
}

// Maintain 距上次续期超过 RenewalInterval 时续期
func (DefaultStrategy) Maintain(ctx context.Context, c *Controller, lastRenewal time.Time, owned []model.VesselHandle) time.Time {
	now := c.Now()
	if now.Sub(lastRenewal) <= c.cfg.RenewalInterval {
		return lastRenewal
	}
	if len(owned) > 0 && !c.RenewVessels(ctx, owned) {
		// 下一轮重试
		return lastRenewal
	}
	return now
}
