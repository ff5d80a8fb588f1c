package explib

import (
	"errors"
	"fmt"

	"overlord/pkg/model"
)

var (
	// ErrLookup 广播服务查询失败
	ErrLookup = errors.New("advertisement lookup failed")
	// ErrNotAdvertised 节点没有广播任何位置，以 *LookupError 的形式返回
	ErrNotAdvertised = errors.New("nothing advertised under the node's key")
	// ErrNodeCommunication 与节点通信失败 (传输、超时、签名、权限、协议)
	ErrNodeCommunication = errors.New("node communication failed")
	// ErrAllLocationsUnreachable 节点广播了多个位置但都连不上，以 *NodeCommunicationError 的形式返回
	ErrAllLocationsUnreachable = errors.New("multiple node locations advertised but none can be contacted")
	// ErrUnexpectedStatus 节点上报了客户端不认识的状态
	ErrUnexpectedStatus = errors.New("unexpected vessel status")

	errMissingNodeKey = errors.New("node did not report its key")
	errBadNodeKey     = errors.New("node reported a key containing ':'")
)

// LookupError errors.Is(err, ErrLookup) 成立
type LookupError struct {
	Key string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup of %s: %v", abbreviate(e.Key), e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

func (e *LookupError) Is(target error) bool { return target == ErrLookup }

// NodeCommunicationError errors.Is(err, ErrNodeCommunication) 成立
// 这一层不区分具体原因，原始错误保留在 Err 中供日志使用
type NodeCommunicationError struct {
	Op       string
	Location model.NodeLocation
	Err      error
}

func (e *NodeCommunicationError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", e.Op, e.Location, e.Err)
}

func (e *NodeCommunicationError) Unwrap() error { return e.Err }

func (e *NodeCommunicationError) Is(target error) bool { return target == ErrNodeCommunication }

// UnexpectedStatusError 节点与客户端版本不匹配的信号，不做任何强制转换
type UnexpectedStatusError struct {
	Handle model.VesselHandle
	Status string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("vessel %s reported unexpected status %q", abbreviate(string(e.Handle)), e.Status)
}

func (e *UnexpectedStatusError) Is(target error) bool { return target == ErrUnexpectedStatus }

func communicationError(op string, location model.NodeLocation, err error) error {
	return &NodeCommunicationError{Op: op, Location: location, Err: err}
}

// abbreviate 公钥和 handle 太长，错误信息里只保留尾部
func abbreviate(s string) string {
	if len(s) <= 24 {
		return s
	}
	return "..." + s[len(s)-20:]
}
