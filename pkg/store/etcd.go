package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 广播 key 的前缀 (Schema Design)
// 完整 key: /overlord/adverts/<key>/<location>，value 为 location
const AdvertKeyPrefix = "/overlord/adverts/"

// EtcdAdvertiser 以 etcd 作为中心化的广播服务
type EtcdAdvertiser struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdAdvertiser 初始化 Etcd 连接
func NewEtcdAdvertiser(endpoints []string, logger *zap.Logger) (*EtcdAdvertiser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v: %w", endpoints, err)
	}
	return &EtcdAdvertiser{client: cli, logger: logger}, nil
}

// NewEtcdAdvertiserFromClient 复用已有的 etcd 客户端
func NewEtcdAdvertiserFromClient(cli *clientv3.Client, logger *zap.Logger) *EtcdAdvertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdAdvertiser{client: cli, logger: logger}
}

func (e *EtcdAdvertiser) Close() error {
	return e.client.Close()
}

// Lookup 前缀查询 key 下的所有位置
// 按创建 revision 倒序，最新广播的位置排在前面：节点迁移后新旧地址同时存在时，新地址先被探测
func (e *EtcdAdvertiser) Lookup(ctx context.Context, key string, maxResults int) ([]string, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: key %q", ErrInvalidAdvert, key)
	}
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	}
	if maxResults > 0 {
		opts = append(opts, clientv3.WithLimit(int64(maxResults)))
	}

	resp, err := e.client.Get(ctx, advertPrefix(key), opts...)
	if err != nil {
		return nil, fmt.Errorf("etcd lookup of %s: %w", shortKey(key), err)
	}

	locations := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		locations = append(locations, string(kv.Value))
	}
	return locations, nil
}

// Advertise 把位置写入 etcd，并挂在一个 ttl 租约上，节点下线后广播自动过期
func (e *EtcdAdvertiser) Advertise(ctx context.Context, key, location string, ttl time.Duration) error {
	if !validKey(key) || location == "" {
		return fmt.Errorf("%w: key %q location %q", ErrInvalidAdvert, shortKey(key), location)
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("granting etcd lease: %w", err)
	}
	if _, err := e.client.Put(ctx, advertPrefix(key)+location, location, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("advertising %s under %s: %w", location, shortKey(key), err)
	}
	e.logger.Debug("[Etcd] advertised",
		zap.String("key", shortKey(key)),
		zap.String("location", location),
		zap.Int64("ttl_seconds", seconds))
	return nil
}

// Withdraw 删除 key 下的某个位置
func (e *EtcdAdvertiser) Withdraw(ctx context.Context, key, location string) error {
	if !validKey(key) || location == "" {
		return fmt.Errorf("%w: key %q location %q", ErrInvalidAdvert, shortKey(key), location)
	}
	if _, err := e.client.Delete(ctx, advertPrefix(key)+location); err != nil {
		return fmt.Errorf("withdrawing %s under %s: %w", location, shortKey(key), err)
	}
	return nil
}

func advertPrefix(key string) string {
	return AdvertKeyPrefix + key + "/"
}

// shortKey 公钥太长，日志里只打前缀
func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "..."
}

var _ Advertiser = (*EtcdAdvertiser)(nil)

// 确保 key 中不会出现路径分隔符
func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "/")
}
