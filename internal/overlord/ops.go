package overlord

import (
	"context"

	"go.uber.org/zap"

	"overlord/internal/parallel"
	"overlord/pkg/model"
)

// 取日志失败或日志为空时代替日志内容
const (
	emptyLogPlaceholder   = "[empty vessel log]"
	missingLogPlaceholder = "[no vessel log available]"
)

// AcquireVessels 向 broker 申请 n 个配置类型的 vessel 并立即续期
// broker 出错只记录日志，返回空列表
func (c *Controller) AcquireVessels(ctx context.Context, n int) []model.VesselHandle {
	c.logger.Info("[Overlord] Acquiring vessels", zap.Int("count", n), zap.String("type", string(c.cfg.Type)))
	fresh, err := c.broker.AcquireVessels(ctx, c.cfg.Type, n)
	if err != nil {
		c.logger.Error("[Overlord] Error while acquiring vessels", zap.Int("count", n), zap.Error(err))
		return nil
	}
	c.logger.Debug("[Overlord] Acquired vessels", zap.Int("count", len(fresh)))

	if len(fresh) > 0 {
		c.logger.Debug("[Overlord] Renewing newly acquired vessels", zap.Int("count", len(fresh)))
		if err := c.broker.RenewVessels(ctx, fresh); err != nil {
			c.logger.Warn("[Overlord] Renewal of new vessels failed", zap.Error(err))
		}
	}
	return fresh
}

// UploadToVessels 并发上传本地文件，返回成功的 vessel
func (c *Controller) UploadToVessels(ctx context.Context, handles []model.VesselHandle, localPath, remoteName string) []model.VesselHandle {
	c.logger.Info("[Overlord] Uploading file", zap.String("file", remoteName), zap.Int("vessels", len(handles)))
	return c.dispatch(ctx, "upload", handles, func(ctx context.Context, h model.VesselHandle) error {
		return c.vessels.UploadFile(ctx, h, c.cfg.Identity, localPath, remoteName)
	})
}

// RunOnVessels 并发启动程序，返回成功的 vessel
func (c *Controller) RunOnVessels(ctx context.Context, handles []model.VesselHandle, program string, args []string) []model.VesselHandle {
	c.logger.Info("[Overlord] Starting program", zap.String("program", program), zap.Int("vessels", len(handles)))
	return c.dispatch(ctx, "start", handles, func(ctx context.Context, h model.VesselHandle) error {
		return c.vessels.StartVessel(ctx, h, c.cfg.Identity, program, args)
	})
}

func (c *Controller) dispatch(ctx context.Context, op string, handles []model.VesselHandle,
	fn func(context.Context, model.VesselHandle) error) []model.VesselHandle {
	if len(handles) == 0 {
		return nil
	}
	successes, failures, err := parallel.Run(ctx, handles, c.cfg.Concurrency,
		func(ctx context.Context, h model.VesselHandle) (struct{}, error) {
			return struct{}{}, fn(ctx, h)
		})
	if err != nil {
		c.logger.Error("[Overlord] Dispatch failed", zap.String("op", op), zap.Error(err))
		return nil
	}
	for _, f := range failures {
		c.logger.Error("[Overlord] Vessel operation failed",
			zap.String("op", op),
			zap.String("vessel", string(f.Target)),
			zap.String("location", c.Location(ctx, f.Target)),
			zap.Error(f.Err))
	}
	for _, s := range successes {
		c.logger.Debug("[Overlord] Vessel operation succeeded",
			zap.String("op", op),
			zap.String("vessel", string(s.Target)),
			zap.String("location", c.Location(ctx, s.Target)))
	}
	return parallel.Targets(successes)
}

// ReleaseVessels 释放 vessel，失败只记录日志
func (c *Controller) ReleaseVessels(ctx context.Context, handles []model.VesselHandle) {
	if len(handles) == 0 {
		return
	}
	if err := c.broker.ReleaseVessels(ctx, handles); err != nil {
		c.logger.Error("[Overlord] Error while releasing vessels", zap.Int("count", len(handles)), zap.Error(err))
		return
	}
	c.logger.Debug("[Overlord] Released vessels", zap.Int("count", len(handles)))
}

// RenewVessels 续期，成功返回 true
func (c *Controller) RenewVessels(ctx context.Context, handles []model.VesselHandle) bool {
	c.logger.Info("[Overlord] Renewing vessels", zap.Int("count", len(handles)))
	if err := c.broker.RenewVessels(ctx, handles); err != nil {
		c.logger.Error("[Overlord] Error while renewing vessels", zap.Error(err))
		return false
	}
	return true
}

// VesselLog 取 vessel 日志用于诊断，失败时返回占位文本
func (c *Controller) VesselLog(ctx context.Context, h model.VesselHandle) string {
	log, err := c.vessels.VesselLog(ctx, h, c.cfg.Identity)
	if err != nil {
		return missingLogPlaceholder
	}
	if log == "" {
		return emptyLogPlaceholder
	}
	return log
}

// Location 日志用的节点位置，查不到时用 handle 的 NodeID 代替
func (c *Controller) Location(ctx context.Context, h model.VesselHandle) string {
	loc, err := c.vessels.VesselLocation(ctx, h)
	if err != nil {
		return "unknown (" + abbreviate(string(h.NodeID())) + ")"
	}
	return string(loc)
}

func abbreviate(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}

// difference 返回 a 中不在 b 里的元素，保持 a 的顺序
func difference(a, b []model.VesselHandle) []model.VesselHandle {
	drop := make(map[model.VesselHandle]struct{}, len(b))
	for _, h := range b {
		drop[h] = struct{}{}
	}
	out := make([]model.VesselHandle, 0, len(a))
	for _, h := range a {
		if _, ok := drop[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}
