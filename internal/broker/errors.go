package broker

import (
	"errors"
	"fmt"
)

// 错误种类。所有 broker 错误都以 *Error 返回，errors.Is 可以匹配种类，也可以匹配 ErrBroker
var (
	ErrBroker               = errors.New("broker error")
	ErrBrokerCommunication  = errors.New("broker communication failed")
	ErrBrokerAuthentication = errors.New("broker authentication failed")
	ErrBrokerInvalidRequest = errors.New("invalid broker request")
	ErrBrokerInternal       = errors.New("broker internal error")
	ErrNotEnoughCredits     = errors.New("not enough vessel credits")
	ErrUnableToAcquire      = errors.New("unable to acquire resources")
)

// 服务端在错误响应的 kind 字段中使用的名字
const (
	KindAuthentication   = "authentication"
	KindInvalidRequest   = "invalid_request"
	KindInternal         = "internal"
	KindNotEnoughCredits = "not_enough_credits"
	KindUnableToAcquire  = "unable_to_acquire"
)

var kinds = map[string]error{
	KindAuthentication:   ErrBrokerAuthentication,
	KindInvalidRequest:   ErrBrokerInvalidRequest,
	KindInternal:         ErrBrokerInternal,
	KindNotEnoughCredits: ErrNotEnoughCredits,
	KindUnableToAcquire:  ErrUnableToAcquire,
}

// Error 一次 broker 调用的失败
type Error struct {
	Kind    error
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("broker %s: %v (HTTP %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("broker %s: %v: %s", e.Op, e.Kind, msg)
}

func (e *Error) Is(target error) bool {
	return target == ErrBroker || target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// KindName 返回错误种类在线上的名字，供服务端使用
func KindName(kind error) string {
	for name, k := range kinds {
		if k == kind {
			return name
		}
	}
	return KindInternal
}
