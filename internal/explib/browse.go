package explib

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"overlord/internal/parallel"
	"overlord/pkg/model"
)

// BrowseNode 联系节点一次，取回完整 vessel 表
// identity 非 nil 时只保留该身份是 owner 或 user 的 vessel；nil 时不过滤 (仅供管理用途)。
// 成功时把 NodeID -> location 写入位置缓存
func (c *Client) BrowseNode(ctx context.Context, location model.NodeLocation, identity *model.Identity) ([]model.VesselDict, error) {
	info, err := c.nodeInfo(ctx, location)
	if err != nil {
		return nil, err
	}
	nodeID := model.NodeID(info.NodeKey)
	c.locations.set(nodeID, location)

	var publicKey string
	if identity != nil {
		publicKey = identity.PublicKeyString()
	}

	names := make([]string, 0, len(info.Vessels))
	for name := range info.Vessels {
		names = append(names, name)
	}
	sort.Strings(names)

	dicts := make([]model.VesselDict, 0, len(names))
	for _, name := range names {
		v := info.Vessels[name]
		if identity != nil && !v.UsableBy(publicKey) {
			continue
		}
		dicts = append(dicts, model.VesselDict{
			Handle:   model.NewVesselHandle(nodeID, name),
			Location: location,
			Name:     name,
			NodeID:   nodeID,
			Status:   v.Status,
			OwnerKey: v.OwnerKey,
			UserKeys: v.UserKeys,
			Version:  info.Version,
		})
	}
	return dicts, nil
}

func (c *Client) nodeInfo(ctx context.Context, location model.NodeLocation) (*model.NodeInfo, error) {
	h, err := c.handle(nil, location)
	if err != nil {
		return nil, communicationError("browse node", location, err)
	}
	info, err := h.GetVessels(ctx)
	if err != nil {
		return nil, communicationError("browse node", location, err)
	}
	if info.NodeKey == "" {
		return nil, communicationError("browse node", location, errMissingNodeKey)
	}
	// NodeKey 会拼进 handle，含 ':' 时 handle 无法解析
	if strings.Contains(info.NodeKey, ":") {
		return nil, communicationError("browse node", location, fmt.Errorf("%w: %q", errBadNodeKey, info.NodeKey))
	}
	return info, nil
}

// NodeIDOf 联系节点获取其 NodeID
func (c *Client) NodeIDOf(ctx context.Context, location model.NodeLocation) (model.NodeID, error) {
	info, err := c.nodeInfo(ctx, location)
	if err != nil {
		return "", err
	}
	nodeID := model.NodeID(info.NodeKey)
	c.locations.set(nodeID, location)
	return nodeID, nil
}

// FindVesselsOnNodes 并发浏览所有位置，汇总身份可用的 vessel
// 失败的位置直接丢弃：部分成功就是这个操作的约定
func (c *Client) FindVesselsOnNodes(ctx context.Context, identity *model.Identity, locations []model.NodeLocation) ([]model.VesselHandle, error) {
	if err := identity.Validate(false, false); err != nil {
		return nil, err
	}

	successes, failures, err := parallel.Run(ctx, locations, c.concurrency,
		func(ctx context.Context, loc model.NodeLocation) ([]model.VesselDict, error) {
			return c.BrowseNode(ctx, loc, identity)
		})
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		c.logger.Debug("[ExpLib] dropping unreachable location",
			zap.String("location", string(f.Target)),
			zap.String("reason", f.Reason))
	}

	var handles []model.VesselHandle
	for _, s := range successes {
		handles = append(handles, model.Handles(s.Value)...)
	}
	return handles, nil
}

// VesselStatus 查询 vessel 当前状态
//
// 节点不在广播任何位置时返回 StatusNoSuchNode (不是错误)；
// 广播了多个位置但都连不上返回 StatusNodeUnreachable；广播服务本身出错时返回 ErrLookup；
// 浏览失败时强制刷新位置并重试一次，仍失败返回 StatusNodeUnreachable；
// 节点可达但找不到 vessel (或身份无权) 返回 StatusNoSuchVessel；
// 节点上报未知状态时返回 *UnexpectedStatusError
func (c *Client) VesselStatus(ctx context.Context, handle model.VesselHandle, identity *model.Identity) (model.VesselStatus, error) {
	nodeID, _, err := model.ParseVesselHandle(string(handle))
	if err != nil {
		return model.StatusUnknown, err
	}

	location, err := c.NodeLocation(ctx, nodeID, false)
	if err != nil {
		return resolveFailureStatus(err)
	}

	dicts, err := c.BrowseNode(ctx, location, identity)
	if err != nil {
		c.logger.Debug("[ExpLib] browse failed, refreshing node location",
			zap.String("vessel", abbreviate(string(handle))),
			zap.String("location", string(location)),
			zap.Error(err))

		location, err = c.NodeLocation(ctx, nodeID, true)
		if err != nil {
			return resolveFailureStatus(err)
		}
		dicts, err = c.BrowseNode(ctx, location, identity)
		if err != nil {
			return model.StatusNodeUnreachable, nil
		}
	}

	for _, d := range dicts {
		if d.Handle != handle {
			continue
		}
		status := model.VesselStatus(d.Status)
		if !status.Active() {
			return model.StatusUnknown, &UnexpectedStatusError{Handle: handle, Status: d.Status}
		}
		return status, nil
	}
	return model.StatusNoSuchVessel, nil
}

// resolveFailureStatus 把 NodeLocation 的错误映射为状态，广播服务故障原样返回
func resolveFailureStatus(err error) (model.VesselStatus, error) {
	switch {
	case errors.Is(err, ErrNotAdvertised):
		return model.StatusNoSuchNode, nil
	case errors.Is(err, ErrAllLocationsUnreachable):
		return model.StatusNodeUnreachable, nil
	}
	return model.StatusUnknown, err
}
