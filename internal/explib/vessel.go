package explib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"overlord/internal/nodeman"
	"overlord/pkg/model"
)

// VesselLocation 解析 vessel 所在节点的 (缓存) 位置
func (c *Client) VesselLocation(ctx context.Context, handle model.VesselHandle) (model.NodeLocation, error) {
	nodeID, _, err := model.ParseVesselHandle(string(handle))
	if err != nil {
		return "", err
	}
	return c.NodeLocation(ctx, nodeID, false)
}

// signedCall 签名操作的公共流程：解析位置 -> 取缓存句柄 -> 发请求
// 身份缺私钥、handle 格式错误、位置解析失败原样返回，其余失败都包装成 *NodeCommunicationError
func (c *Client) signedCall(ctx context.Context, op string, handle model.VesselHandle, identity *model.Identity,
	call func(h *nodeman.Handle, vessel string) error) error {
	if err := identity.Validate(true, false); err != nil {
		return err
	}
	_, vessel, err := model.ParseVesselHandle(string(handle))
	if err != nil {
		return err
	}
	location, err := c.VesselLocation(ctx, handle)
	if err != nil {
		return err
	}

	h, err := c.handle(identity, location)
	if err != nil {
		return communicationError(op, location, err)
	}
	if err := call(h, vessel); err != nil {
		c.logger.Debug("[ExpLib] signed request failed",
			zap.String("op", op),
			zap.String("vessel", abbreviate(string(handle))),
			zap.String("location", string(location)),
			zap.Error(err))
		return communicationError(op, location, err)
	}
	return nil
}

// publicCall 匿名操作
func (c *Client) publicCall(ctx context.Context, op string, nodeID model.NodeID, call func(h *nodeman.Handle) error) error {
	location, err := c.NodeLocation(ctx, nodeID, false)
	if err != nil {
		return err
	}
	h, err := c.handle(nil, location)
	if err != nil {
		return communicationError(op, location, err)
	}
	if err := call(h); err != nil {
		return communicationError(op, location, err)
	}
	return nil
}

func (c *Client) VesselLog(ctx context.Context, handle model.VesselHandle, identity *model.Identity) (string, error) {
	var out string
	err := c.signedCall(ctx, "read vessel log", handle, identity, func(h *nodeman.Handle, vessel string) (err error) {
		out, err = h.ReadVesselLog(ctx, vessel)
		return err
	})
	return out, err
}

func (c *Client) ListFiles(ctx context.Context, handle model.VesselHandle, identity *model.Identity) ([]string, error) {
	var out []string
	err := c.signedCall(ctx, "list files", handle, identity, func(h *nodeman.Handle, vessel string) (err error) {
		out, err = h.ListFiles(ctx, vessel)
		return err
	})
	return out, err
}

// UploadFile 上传本地文件，remoteName 为空时使用本地文件名
func (c *Client) UploadFile(ctx context.Context, handle model.VesselHandle, identity *model.Identity, localPath, remoteName string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	return c.UploadFileData(ctx, handle, identity, remoteName, content)
}

func (c *Client) UploadFileData(ctx context.Context, handle model.VesselHandle, identity *model.Identity, remoteName string, content []byte) error {
	return c.signedCall(ctx, "upload file", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.AddFile(ctx, vessel, remoteName, content)
	})
}

// DownloadOptions DownloadFile 的可选参数
type DownloadOptions struct {
	// LocalPath 为空时使用远端文件名 (当前目录)
	LocalPath string
	// AddLocationSuffix 在本地文件名后追加 _host_port_vessel，
	// 便于从多个 vessel 下载同名文件
	AddLocationSuffix bool
}

// DownloadFile 下载文件并写入本地，返回最终路径
// 先写临时文件再 rename，失败时不会留下不完整的文件
func (c *Client) DownloadFile(ctx context.Context, handle model.VesselHandle, identity *model.Identity, remoteName string, opts DownloadOptions) (string, error) {
	localPath := opts.LocalPath
	if localPath == "" {
		localPath = remoteName
	}
	if opts.AddLocationSuffix {
		_, vessel, err := model.ParseVesselHandle(string(handle))
		if err != nil {
			return "", err
		}
		location, err := c.VesselLocation(ctx, handle)
		if err != nil {
			return "", err
		}
		localPath += "_" + strings.Join([]string{location.Host(), fmt.Sprint(location.Port()), vessel}, "_")
	}

	content, err := c.DownloadFileData(ctx, handle, identity, remoteName)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(localPath, content); err != nil {
		return "", err
	}
	return localPath, nil
}

func (c *Client) DownloadFileData(ctx context.Context, handle model.VesselHandle, identity *model.Identity, remoteName string) ([]byte, error) {
	var out []byte
	err := c.signedCall(ctx, "download file", handle, identity, func(h *nodeman.Handle, vessel string) (err error) {
		out, err = h.RetrieveFile(ctx, vessel, remoteName)
		return err
	})
	return out, err
}

func (c *Client) DeleteFile(ctx context.Context, handle model.VesselHandle, identity *model.Identity, remoteName string) error {
	return c.signedCall(ctx, "delete file", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.DeleteFile(ctx, vessel, remoteName)
	})
}

func (c *Client) ResetVessel(ctx context.Context, handle model.VesselHandle, identity *model.Identity) error {
	return c.signedCall(ctx, "reset vessel", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.ResetVessel(ctx, vessel)
	})
}

// StartVessel 启动 vessel 中已上传的程序
func (c *Client) StartVessel(ctx context.Context, handle model.VesselHandle, identity *model.Identity, program string, args []string) error {
	return c.signedCall(ctx, "start vessel", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.StartVessel(ctx, vessel, program, args)
	})
}

func (c *Client) StopVessel(ctx context.Context, handle model.VesselHandle, identity *model.Identity) error {
	return c.signedCall(ctx, "stop vessel", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.StopVessel(ctx, vessel)
	})
}

// SplitVessel 按资源描述把 vessel 一分为二，返回两个新 handle
func (c *Client) SplitVessel(ctx context.Context, handle model.VesselHandle, identity *model.Identity, resources string) ([]model.VesselHandle, error) {
	var names []string
	err := c.signedCall(ctx, "split vessel", handle, identity, func(h *nodeman.Handle, vessel string) (err error) {
		names, err = h.SplitVessel(ctx, vessel, resources)
		return err
	})
	if err != nil {
		return nil, err
	}
	nodeID := handle.NodeID()
	handles := make([]model.VesselHandle, 0, len(names))
	for _, name := range names {
		handles = append(handles, model.NewVesselHandle(nodeID, name))
	}
	return handles, nil
}

// JoinVessels 合并同一节点上的两个 vessel，返回合并后的 handle
func (c *Client) JoinVessels(ctx context.Context, first, second model.VesselHandle, identity *model.Identity) (model.VesselHandle, error) {
	if first.NodeID() != second.NodeID() {
		return "", fmt.Errorf("%w: vessels are on different nodes", model.ErrInvalidHandle)
	}
	var joined string
	err := c.signedCall(ctx, "join vessels", first, identity, func(h *nodeman.Handle, vessel string) (err error) {
		joined, err = h.JoinVessels(ctx, vessel, second.Name())
		return err
	})
	if err != nil {
		return "", err
	}
	return model.NewVesselHandle(first.NodeID(), joined), nil
}

func (c *Client) SetOwner(ctx context.Context, handle model.VesselHandle, identity *model.Identity, newOwnerKey string) error {
	return c.signedCall(ctx, "change owner", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.ChangeOwner(ctx, vessel, newOwnerKey)
	})
}

func (c *Client) SetAdvertise(ctx context.Context, handle model.VesselHandle, identity *model.Identity, advertise bool) error {
	return c.signedCall(ctx, "change advertise", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.ChangeAdvertise(ctx, vessel, advertise)
	})
}

func (c *Client) SetOwnerInfo(ctx context.Context, handle model.VesselHandle, identity *model.Identity, info string) error {
	return c.signedCall(ctx, "change owner information", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.ChangeOwnerInformation(ctx, vessel, info)
	})
}

// SetUsers 替换 vessel 的 user 列表
func (c *Client) SetUsers(ctx context.Context, handle model.VesselHandle, identity *model.Identity, userKeys []string) error {
	return c.signedCall(ctx, "change users", handle, identity, func(h *nodeman.Handle, vessel string) error {
		return h.ChangeUsers(ctx, vessel, userKeys)
	})
}

// OffcutResources 节点上未分配给任何 vessel 的资源，匿名请求
func (c *Client) OffcutResources(ctx context.Context, nodeID model.NodeID) (string, error) {
	var out string
	err := c.publicCall(ctx, "get offcut resources", nodeID, func(h *nodeman.Handle) (err error) {
		out, err = h.GetOffcutResources(ctx)
		return err
	})
	return out, err
}

// VesselResources vessel 的资源配额，匿名请求
func (c *Client) VesselResources(ctx context.Context, handle model.VesselHandle) (string, error) {
	nodeID, vessel, err := model.ParseVesselHandle(string(handle))
	if err != nil {
		return "", err
	}
	var out string
	err = c.publicCall(ctx, "get vessel resources", nodeID, func(h *nodeman.Handle) (err error) {
		out, err = h.GetVesselResources(ctx, vessel)
		return err
	})
	return out, err
}

// writeFileAtomic 同目录下写临时文件后 rename
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.partial")
	if err != nil {
		return fmt.Errorf("creating temporary file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}
	return nil
}
