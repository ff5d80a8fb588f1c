// Package explib 是发现与节点通信客户端：
// 根据身份或 NodeID 找到节点位置，缓存位置与连接句柄，并对 vessel 执行签名/匿名操作
package explib

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"overlord/internal/nodeman"
	"overlord/pkg/model"
	"overlord/pkg/store"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxLookupResults = 1024 * 1024
	DefaultConcurrency      = 5
)

// Options 客户端配置，零值字段使用默认值
type Options struct {
	Advertiser store.Advertiser

	// Timeout 每次广播查询和每次节点调用的上限
	Timeout          time.Duration
	MaxLookupResults int
	// Concurrency 跨节点并发操作 (FindVesselsOnNodes 等) 的并发度
	Concurrency int

	Dialer nodeman.Dialer
	Logger *zap.Logger
}

// Client 持有位置缓存和句柄缓存，可被多个 goroutine 共享
type Client struct {
	advertiser  store.Advertiser
	timeout     time.Duration
	maxResults  int
	concurrency int
	dialer      nodeman.Dialer
	logger      *zap.Logger

	locations *locationCache
	handles   *handleCache
}

func New(opts Options) (*Client, error) {
	if opts.Advertiser == nil {
		return nil, fmt.Errorf("explib: an advertiser is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxLookupResults <= 0 {
		opts.MaxLookupResults = DefaultMaxLookupResults
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		advertiser:  opts.Advertiser,
		timeout:     opts.Timeout,
		maxResults:  opts.MaxLookupResults,
		concurrency: opts.Concurrency,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
		locations:   newLocationCache(),
		handles:     newHandleCache(),
	}, nil
}

// Concurrency 跨节点操作使用的并发度
func (c *Client) Concurrency() int { return c.concurrency }

// LookupByIdentity 查询在身份公钥下广播的所有节点位置。结果为空不是错误
func (c *Client) LookupByIdentity(ctx context.Context, identity *model.Identity) ([]model.NodeLocation, error) {
	if err := identity.Validate(false, false); err != nil {
		return nil, err
	}
	return c.lookup(ctx, identity.PublicKeyString())
}

// LookupByNodeID 查询节点自身广播的位置
func (c *Client) LookupByNodeID(ctx context.Context, nodeID model.NodeID) ([]model.NodeLocation, error) {
	return c.lookup(ctx, string(nodeID))
}

func (c *Client) lookup(ctx context.Context, key string) ([]model.NodeLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	found, err := c.advertiser.Lookup(ctx, key, c.maxResults)
	if err != nil {
		return nil, &LookupError{Key: key, Err: err}
	}

	locations := make([]model.NodeLocation, 0, len(found))
	for _, s := range found {
		if s == "" {
			continue
		}
		locations = append(locations, model.NodeLocation(s))
	}
	return locations, nil
}

// NodeLocation 把 NodeID 解析为位置
//
// 默认返回缓存值 (可能已过期，通信失败时调用方应 forceRefresh)。
// 缓存未命中或强制刷新时查询广播：没有结果返回 ErrNotAdvertised；
// 只有一个直接缓存；有多个 (节点刚迁移，新旧地址同时在广播) 时按返回顺序逐个探测，
// 缓存第一个能连通的，全部失败返回 ErrAllLocationsUnreachable
func (c *Client) NodeLocation(ctx context.Context, nodeID model.NodeID, forceRefresh bool) (model.NodeLocation, error) {
	if !forceRefresh {
		if loc, ok := c.locations.get(nodeID); ok {
			return loc, nil
		}
	}

	candidates, err := c.LookupByNodeID(ctx, nodeID)
	if err != nil {
		return "", err
	}

	switch len(candidates) {
	case 0:
		return "", &LookupError{Key: string(nodeID), Err: ErrNotAdvertised}
	case 1:
		c.locations.set(nodeID, candidates[0])
		return candidates[0], nil
	}

	var failures []error
	for _, candidate := range candidates {
		err := nodeman.Probe(ctx, candidate,
			nodeman.WithDialer(c.dialer),
			nodeman.WithTimeout(c.timeout),
			nodeman.WithLogger(c.logger))
		if err != nil {
			c.logger.Debug("[ExpLib] candidate location unreachable",
				zap.String("node", abbreviate(string(nodeID))),
				zap.String("location", string(candidate)),
				zap.Error(err))
			failures = append(failures, err)
			continue
		}
		c.locations.set(nodeID, candidate)
		return candidate, nil
	}
	return "", communicationError("resolve node location", "",
		fmt.Errorf("%w: %v: %v", ErrAllLocationsUnreachable, candidates, failures))
}

// RememberLocation 把其他来源 (broker 返回的 vessel 记录等) 得到的位置写入缓存
func (c *Client) RememberLocation(nodeID model.NodeID, location model.NodeLocation) {
	if nodeID == "" || location.Validate() != nil {
		return
	}
	c.locations.set(nodeID, location)
}

// CachedLocation 只查缓存，不做任何网络请求
func (c *Client) CachedLocation(nodeID model.NodeID) (model.NodeLocation, bool) {
	return c.locations.get(nodeID)
}

// handle 取 (身份, 位置) 的缓存句柄；identity 为 nil 时取匿名句柄
func (c *Client) handle(identity *model.Identity, location model.NodeLocation) (*nodeman.Handle, error) {
	key := handleKey{identity: anonymousKey, location: location}
	if identity != nil {
		key.identity = identity.PublicKeyString()
	}
	return c.handles.getOrCreate(key, func() (*nodeman.Handle, error) {
		return nodeman.NewHandle(location, identity,
			nodeman.WithDialer(c.dialer),
			nodeman.WithTimeout(c.timeout),
			nodeman.WithLogger(c.logger))
	})
}
