package overlord

import (
	"context"

	"go.uber.org/zap"

	"overlord/internal/parallel"
	"overlord/pkg/model"
)

// filterRunning 并发查询状态，把持有列表分成仍在运行的和应当释放的
func (c *Controller) filterRunning(ctx context.Context, owned []model.VesselHandle) (running, stopped []model.VesselHandle) {
	if len(owned) == 0 {
		return nil, nil
	}
	successes, failures, err := parallel.Run(ctx, owned, c.cfg.Concurrency, c.checkVessel)
	if err != nil {
		// 派发本身出错时不释放任何 vessel，下一轮再查
		c.logger.Error("[Filter] Status dispatch failed", zap.Error(err))
		return owned, nil
	}

	keep := make(map[model.VesselHandle]bool, len(owned))
	for _, s := range successes {
		if s.Value == model.StatusStarted {
			keep[s.Target] = true
			continue
		}
		c.logger.Info("[Filter] Vessel not running",
			zap.String("vessel", string(s.Target)),
			zap.String("location", c.Location(ctx, s.Target)),
			zap.String("status", string(s.Value)))
	}
	for _, f := range failures {
		c.logger.Warn("[Filter] Vessel status unavailable",
			zap.String("vessel", string(f.Target)),
			zap.String("location", c.Location(ctx, f.Target)),
			zap.Error(f.Err))
	}

	// 保持原有顺序
	for _, h := range owned {
		if keep[h] {
			running = append(running, h)
		} else {
			stopped = append(stopped, h)
		}
	}
	return running, stopped
}

// checkVessel 查询单个 vessel 的状态
func (c *Controller) checkVessel(ctx context.Context, h model.VesselHandle) (model.VesselStatus, error) {
	return c.vessels.VesselStatus(ctx, h, c.cfg.Identity)
}
