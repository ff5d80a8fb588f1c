package nodeman

import (
	"context"

	"overlord/pkg/model"
)

// 以下是对 Call 的类型化封装，每个方法对应一个 Action

func (h *Handle) Ping(ctx context.Context) error {
	return h.Call(ctx, ActionPing, "", nil, nil)
}

// GetVessels 返回节点的完整 vessel 表，不做任何过滤
func (h *Handle) GetVessels(ctx context.Context) (*model.NodeInfo, error) {
	var info model.NodeInfo
	if err := h.Call(ctx, ActionGetVessels, "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (h *Handle) GetOffcutResources(ctx context.Context) (string, error) {
	var out string
	err := h.Call(ctx, ActionGetOffcutResources, "", nil, &out)
	return out, err
}

func (h *Handle) GetVesselResources(ctx context.Context, vessel string) (string, error) {
	var out string
	err := h.Call(ctx, ActionGetVesselResources, vessel, nil, &out)
	return out, err
}

func (h *Handle) ReadVesselLog(ctx context.Context, vessel string) (string, error) {
	var out string
	err := h.Call(ctx, ActionReadVesselLog, vessel, nil, &out)
	return out, err
}

func (h *Handle) ListFiles(ctx context.Context, vessel string) ([]string, error) {
	var out []string
	err := h.Call(ctx, ActionListFilesInVessel, vessel, nil, &out)
	return out, err
}

func (h *Handle) AddFile(ctx context.Context, vessel, name string, content []byte) error {
	payload, err := NewFilePayload(name, content)
	if err != nil {
		return err
	}
	return h.Call(ctx, ActionAddFileToVessel, vessel, payload, nil)
}

func (h *Handle) RetrieveFile(ctx context.Context, vessel, name string) ([]byte, error) {
	var payload FilePayload
	if err := h.Call(ctx, ActionRetrieveFileFromVessel, vessel, FileNameArgs{Name: name}, &payload); err != nil {
		return nil, err
	}
	return payload.Content()
}

func (h *Handle) DeleteFile(ctx context.Context, vessel, name string) error {
	return h.Call(ctx, ActionDeleteFileInVessel, vessel, FileNameArgs{Name: name}, nil)
}

func (h *Handle) ResetVessel(ctx context.Context, vessel string) error {
	return h.Call(ctx, ActionResetVessel, vessel, nil, nil)
}

func (h *Handle) StartVessel(ctx context.Context, vessel, program string, args []string) error {
	return h.Call(ctx, ActionStartVessel, vessel, StartArgs{Program: program, Args: args}, nil)
}

func (h *Handle) StopVessel(ctx context.Context, vessel string) error {
	return h.Call(ctx, ActionStopVessel, vessel, nil, nil)
}

// SplitVessel 把 vessel 切成两个，返回新 vessel 名
func (h *Handle) SplitVessel(ctx context.Context, vessel, resources string) ([]string, error) {
	var out []string
	err := h.Call(ctx, ActionSplitVessel, vessel, SplitArgs{Resources: resources}, &out)
	return out, err
}

// JoinVessels 合并两个 vessel，返回合并后的名字
func (h *Handle) JoinVessels(ctx context.Context, vessel, other string) (string, error) {
	var out string
	err := h.Call(ctx, ActionJoinVessels, vessel, JoinArgs{Other: other}, &out)
	return out, err
}

func (h *Handle) ChangeOwner(ctx context.Context, vessel, ownerKey string) error {
	return h.Call(ctx, ActionChangeOwner, vessel, ChangeOwnerArgs{OwnerKey: ownerKey}, nil)
}

func (h *Handle) ChangeAdvertise(ctx context.Context, vessel string, advertise bool) error {
	return h.Call(ctx, ActionChangeAdvertise, vessel, ChangeAdvertiseArgs{Advertise: advertise}, nil)
}

func (h *Handle) ChangeOwnerInformation(ctx context.Context, vessel, info string) error {
	return h.Call(ctx, ActionChangeOwnerInformation, vessel, ChangeOwnerInfoArgs{Info: info}, nil)
}

func (h *Handle) ChangeUsers(ctx context.Context, vessel string, userKeys []string) error {
	return h.Call(ctx, ActionChangeUsers, vessel, ChangeUsersArgs{UserKeys: userKeys}, nil)
}
