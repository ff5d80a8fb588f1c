package store

import (
	"context"
	"errors"
	"time"
)

// Chain 依次查询多个广播后端，合并去重
// 只要有一个后端成功就不算失败；所有后端都失败时返回合并后的错误
type Chain []Advertiser

func (c Chain) Lookup(ctx context.Context, key string, maxResults int) ([]string, error) {
	if len(c) == 0 {
		return nil, errors.New("no advertisement backends configured")
	}

	var (
		locations []string
		errs      []error
		seen      = make(map[string]bool)
	)
	for _, backend := range c {
		found, err := backend.Lookup(ctx, key, maxResults)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, location := range found {
			if seen[location] {
				continue
			}
			seen[location] = true
			locations = append(locations, location)
		}
	}

	if len(errs) == len(c) {
		return nil, errors.Join(errs...)
	}
	if maxResults > 0 && len(locations) > maxResults {
		locations = locations[:maxResults]
	}
	return locations, nil
}

// Advertise 广播到每个后端，全部失败才报错
func (c Chain) Advertise(ctx context.Context, key, location string, ttl time.Duration) error {
	var errs []error
	for _, backend := range c {
		if err := backend.Advertise(ctx, key, location, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c) > 0 && len(errs) < len(c) {
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no advertisement backends configured")
	}
	return errors.Join(errs...)
}

var _ Advertiser = Chain(nil)
