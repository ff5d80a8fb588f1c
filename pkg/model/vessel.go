package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidHandle   = errors.New("invalid vessel handle")
	ErrInvalidLocation = errors.New("invalid node location")
)

// VesselHandle 全局唯一的 vessel 标识，格式 "nodeid:vesselname"
type VesselHandle string

// NewVesselHandle 由 nodeID 和 vessel 名拼出 handle
func NewVesselHandle(nodeID NodeID, name string) VesselHandle {
	return VesselHandle(string(nodeID) + ":" + name)
}

// ParseVesselHandle 拆分 handle，必须恰好两段
func ParseVesselHandle(s string) (NodeID, string, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q should be nodeid:vesselname", ErrInvalidHandle, s)
	}
	return NodeID(parts[0]), parts[1], nil
}

func (h VesselHandle) Validate() error {
	_, _, err := ParseVesselHandle(string(h))
	return err
}

// NodeID 返回 handle 的节点部分，不合法时返回空串
func (h VesselHandle) NodeID() NodeID {
	nodeID, _, _ := ParseVesselHandle(string(h))
	return nodeID
}

// Name 返回 vessel 名 (只在单个节点内唯一)
func (h VesselHandle) Name() string {
	_, name, _ := ParseVesselHandle(string(h))
	return name
}

// ValidateHandles 校验一组 handle
func ValidateHandles(handles []VesselHandle) error {
	for _, h := range handles {
		if err := h.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// VesselStatus vessel 状态。前五个由节点上报，后三个由客户端推断
type VesselStatus string

const (
	StatusFresh      VesselStatus = "Fresh"      // 从未启动
	StatusStarted    VesselStatus = "Started"    // 上次检查时正在运行
	StatusStopped    VesselStatus = "Stopped"    // 被节点命令停止
	StatusStale      VesselStatus = "Stale"      // 上报过 Started 但很久没更新，推测已崩溃
	StatusTerminated VesselStatus = "Terminated" // 程序自行退出 (可能出错)

	StatusNoSuchNode      VesselStatus = "NO_SUCH_NODE"     // 节点没有在广播任何位置
	StatusNoSuchVessel    VesselStatus = "NO_SUCH_VESSEL"   // 节点可达但 vessel 不存在或无权限
	StatusNodeUnreachable VesselStatus = "NODE_UNREACHABLE" // 节点在广播但连不上
)

// StatusUnknown 表示还没有观察过
const StatusUnknown VesselStatus = ""

// Active 是否属于可用状态集合
func (s VesselStatus) Active() bool {
	switch s {
	case StatusFresh, StatusStarted, StatusStopped, StatusStale, StatusTerminated:
		return true
	}
	return false
}

// Inactive 是否属于不可用状态集合
func (s VesselStatus) Inactive() bool {
	switch s {
	case StatusNoSuchNode, StatusNoSuchVessel, StatusNodeUnreachable:
		return true
	}
	return false
}

// VesselDict 描述一个 vessel。Handle/Location/Name/NodeID 总是存在，
// 其余字段取决于产生它的操作 (浏览节点 or 查询 broker)
type VesselDict struct {
	Handle   VesselHandle `json:"vesselhandle"`
	Location NodeLocation `json:"nodelocation"`
	Name     string       `json:"vesselname"`
	NodeID   NodeID       `json:"nodeid"`

	// 浏览节点时填充
	Status   string   `json:"status,omitempty"`
	OwnerKey string   `json:"ownerkey,omitempty"`
	UserKeys []string `json:"userkeys,omitempty"`
	Version  string   `json:"version,omitempty"`

	// 查询 broker 时填充
	ExpiresInSeconds int64 `json:"expires_in_seconds,omitempty"`
}

// Handles 提取一组 VesselDict 的 handle
func Handles(dicts []VesselDict) []VesselHandle {
	handles := make([]VesselHandle, 0, len(dicts))
	for _, d := range dicts {
		handles = append(handles, d.Handle)
	}
	return handles
}
