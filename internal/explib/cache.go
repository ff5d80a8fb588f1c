package explib

import (
	"sync"

	"overlord/internal/nodeman"
	"overlord/pkg/model"
)

// anonymousKey 匿名句柄在句柄缓存中的 key，与任何身份的公钥文本都不会冲突
const anonymousKey = "None"

// locationCache NodeID -> 最近一次已知位置。不会自动过期，命中只代表 "上次在这里"
type locationCache struct {
	mu sync.RWMutex
	m  map[model.NodeID]model.NodeLocation
}

func newLocationCache() *locationCache {
	return &locationCache{m: make(map[model.NodeID]model.NodeLocation)}
}

func (c *locationCache) get(id model.NodeID) (model.NodeLocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.m[id]
	return loc, ok
}

func (c *locationCache) set(id model.NodeID, loc model.NodeLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = loc
}

type handleKey struct {
	identity string
	location model.NodeLocation
}

// handleCache (身份, 位置) -> 句柄，进程生命周期内不失效
type handleCache struct {
	mu sync.Mutex
	m  map[handleKey]*nodeman.Handle
}

func newHandleCache() *handleCache {
	return &handleCache{m: make(map[handleKey]*nodeman.Handle)}
}

// getOrCreate 读-改-写在同一把锁内完成，同一个 key 只会创建一次
func (c *handleCache) getOrCreate(key handleKey, create func() (*nodeman.Handle, error)) (*nodeman.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.m[key]; ok {
		return h, nil
	}
	h, err := create()
	if err != nil {
		return nil, err
	}
	c.m[key] = h
	return h, nil
}

func (c *handleCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
