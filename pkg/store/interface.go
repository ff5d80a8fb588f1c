package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidAdvert key 为空或含有 '/'，或 location 为空
var ErrInvalidAdvert = errors.New("invalid advertisement")

// Advertiser 定义了系统对广播/查找服务的全部需求
// 节点把自己的位置广播在 key 下 (vessel 用户的公钥或节点自身的 NodeID)，
// 客户端按 key 查出当前的位置列表。
// 任何实现了这个接口的 Struct (EtcdAdvertiser、StaticAdvertiser、Chain) 都可以注入到 explib 中
type Advertiser interface {
	// Lookup 返回 key 下最多 maxResults 个位置字符串。
	// 没有广播不是错误，返回空列表；只有查找服务本身失败时才返回 error
	Lookup(ctx context.Context, key string, maxResults int) ([]string, error)

	// Advertise 在 key 下广播 location，ttl 到期后自动消失
	Advertise(ctx context.Context, key, location string, ttl time.Duration) error
}
