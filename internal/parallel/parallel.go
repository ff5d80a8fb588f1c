// Package parallel 把同一个操作并发地施加到一组目标上
package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDispatch 并发机制本身无法启动 (而不是某个目标失败)
var ErrDispatch = errors.New("parallel dispatch failed")

// DispatchError 携带具体原因，errors.Is(err, ErrDispatch) 成立
type DispatchError struct {
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("parallel dispatch failed: %s", e.Reason)
}

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// Success 一个成功的目标及其返回值
type Success[T, R any] struct {
	Target T
	Value  R
}

// Failure 一个失败的目标及失败原因的字符串形式
type Failure[T any] struct {
	Target T
	Reason string
	Err    error
}

// Run 对 targets 中每个元素调用 op，同时在执行的调用不超过 limit 个
//
// 所有目标都完成后才返回；每个目标恰好出现在 successes 或 failures 之一中，
// 两个列表都按完成顺序排列。op 返回 error 或 panic 都记为失败，不影响其他目标。
// 只有 limit < 1 时返回 error
func Run[T, R any](ctx context.Context, targets []T, limit int, op func(context.Context, T) (R, error)) ([]Success[T, R], []Failure[T], error) {
	if limit < 1 {
		return nil, nil, &DispatchError{Reason: fmt.Sprintf("concurrency limit %d is less than 1", limit)}
	}
	if op == nil {
		return nil, nil, &DispatchError{Reason: "no operation given"}
	}

	var (
		mu        sync.Mutex
		successes = make([]Success[T, R], 0, len(targets))
		failures  []Failure[T]
		wg        sync.WaitGroup
	)
	// 信号量控制并发度
	sem := make(chan struct{}, limit)

	for _, target := range targets {
		wg.Add(1)
		sem <- struct{}{}

		go func(target T) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := call(ctx, target, op)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, Failure[T]{Target: target, Reason: err.Error(), Err: err})
				return
			}
			successes = append(successes, Success[T, R]{Target: target, Value: value})
		}(target)
	}

	wg.Wait()
	return successes, failures, nil
}

// call 把 op 中的 panic 转成 error
func call[T, R any](ctx context.Context, target T, op func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op(ctx, target)
}

// Targets 提取成功列表中的目标
func Targets[T, R any](successes []Success[T, R]) []T {
	out := make([]T, 0, len(successes))
	for _, s := range successes {
		out = append(out, s.Target)
	}
	return out
}

// FailedTargets 提取失败列表中的目标
func FailedTargets[T any](failures []Failure[T]) []T {
	out := make([]T, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.Target)
	}
	return out
}
