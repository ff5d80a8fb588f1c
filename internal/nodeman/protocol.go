// Package nodeman 实现节点管理协议的客户端与服务端帧处理
//
// 每个 TCP 连接只承载一次请求/响应：客户端写入一个 CBOR Envelope，
// 服务端回写一个 CBOR Response 后关闭连接。
// 签名请求的 Envelope.Signature 是对 Envelope.Body (CBOR 编码的 Request) 的 Ed25519 签名。
package nodeman

import (
	"errors"
	"fmt"

	"overlord/pkg/codec"
)

// ProtocolVersion 节点在 GetVessels 中回报的协议版本
const ProtocolVersion = "0.4"

// Action 请求名与 explib 中的操作一一对应
type Action string

const (
	ActionGetVessels             Action = "GetVessels"
	ActionGetOffcutResources     Action = "GetOffcutResources"
	ActionGetVesselResources     Action = "GetVesselResources"
	ActionPing                   Action = "Ping"
	ActionReadVesselLog          Action = "ReadVesselLog"
	ActionListFilesInVessel      Action = "ListFilesInVessel"
	ActionAddFileToVessel        Action = "AddFileToVessel"
	ActionRetrieveFileFromVessel Action = "RetrieveFileFromVessel"
	ActionDeleteFileInVessel     Action = "DeleteFileInVessel"
	ActionResetVessel            Action = "ResetVessel"
	ActionStartVessel            Action = "StartVessel"
	ActionStopVessel             Action = "StopVessel"
	ActionSplitVessel            Action = "SplitVessel"
	ActionJoinVessels            Action = "JoinVessels"
	ActionChangeOwner            Action = "ChangeOwner"
	ActionChangeAdvertise        Action = "ChangeAdvertise"
	ActionChangeOwnerInformation Action = "ChangeOwnerInformation"
	ActionChangeUsers            Action = "ChangeUsers"
)

// Public 不需要签名的请求
func (a Action) Public() bool {
	switch a {
	case ActionGetVessels, ActionGetOffcutResources, ActionGetVesselResources, ActionPing:
		return true
	}
	return false
}

// OwnerOnly 只有 vessel 的 owner 才能执行的请求，其余签名请求 owner 和 user 都可以
func (a Action) OwnerOnly() bool {
	switch a {
	case ActionSplitVessel, ActionJoinVessels, ActionChangeOwner, ActionChangeAdvertise,
		ActionChangeOwnerInformation, ActionChangeUsers:
		return true
	}
	return false
}

// Request 签名覆盖的请求体
type Request struct {
	Action    Action           `cbor:"action"`
	Vessel    string           `cbor:"vessel,omitempty"`
	Args      codec.RawMessage `cbor:"args,omitempty"`
	PublicKey []byte           `cbor:"pubkey,omitempty"`
	Nonce     string           `cbor:"nonce,omitempty"`
	Time      int64            `cbor:"time,omitempty"`
}

// DecodeArgs 把 Args 解码到 v
func (r *Request) DecodeArgs(v any) error {
	if len(r.Args) == 0 {
		return fmt.Errorf("%s: missing arguments", r.Action)
	}
	if err := codec.Unmarshal(r.Args, v); err != nil {
		return fmt.Errorf("%s: decoding arguments: %w", r.Action, err)
	}
	return nil
}

// Envelope 线上帧。Body 保持编码后的原始字节，签名校验不依赖重新编码
type Envelope struct {
	Body      []byte `cbor:"body"`
	Signature []byte `cbor:"sig,omitempty"`
}

// Response 节点的回应，与 ok/error/data 三段式服务协议一致
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// RemoteError 节点返回 ok=false
type RemoteError struct {
	Action  Action
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node rejected %s: %s", e.Action, e.Message)
}

// IsRemote 判断错误是否来自节点的显式拒绝 (而非传输故障)
func IsRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}

type (
	// StartArgs StartVessel 的参数
	StartArgs struct {
		Program string   `cbor:"program"`
		Args    []string `cbor:"args,omitempty"`
	}

	FileNameArgs struct {
		Name string `cbor:"name"`
	}

	SplitArgs struct {
		Resources string `cbor:"resources"`
	}

	JoinArgs struct {
		Other string `cbor:"other"`
	}

	ChangeOwnerArgs struct {
		OwnerKey string `cbor:"owner"`
	}

	ChangeAdvertiseArgs struct {
		Advertise bool `cbor:"advertise"`
	}

	ChangeOwnerInfoArgs struct {
		Info string `cbor:"info"`
	}

	ChangeUsersArgs struct {
		UserKeys []string `cbor:"users"`
	}
)
