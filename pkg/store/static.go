package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticAdvertiser 内存中的广播表
// 用于单机部署和测试；ttl 被忽略，广播一直有效直到 Withdraw
type StaticAdvertiser struct {
	mu      sync.RWMutex
	adverts map[string][]string
	err     error
}

func NewStaticAdvertiser() *StaticAdvertiser {
	return &StaticAdvertiser{adverts: make(map[string][]string)}
}

// Set 直接替换 key 下的位置列表 (保持给定顺序)
func (s *StaticAdvertiser) Set(key string, locations ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adverts[key] = append([]string(nil), locations...)
}

// SetError 让之后的 Lookup 返回 err，传 nil 恢复正常
func (s *StaticAdvertiser) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticAdvertiser) Lookup(ctx context.Context, key string, maxResults int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	locations := s.adverts[key]
	if maxResults > 0 && len(locations) > maxResults {
		locations = locations[:maxResults]
	}
	return append([]string(nil), locations...), nil
}

// Advertise 追加位置，已存在则忽略
func (s *StaticAdvertiser) Advertise(ctx context.Context, key, location string, ttl time.Duration) error {
	if !validKey(key) || location == "" {
		return fmt.Errorf("%w: key %q location %q", ErrInvalidAdvert, key, location)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.adverts[key] {
		if existing == location {
			return nil
		}
	}
	s.adverts[key] = append(s.adverts[key], location)
	return nil
}

func (s *StaticAdvertiser) Withdraw(ctx context.Context, key, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.adverts[key][:0]
	for _, existing := range s.adverts[key] {
		if existing != location {
			kept = append(kept, existing)
		}
	}
	s.adverts[key] = kept
	return nil
}

var _ Advertiser = (*StaticAdvertiser)(nil)
