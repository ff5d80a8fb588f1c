// Package nodetest 提供进程内的假节点，供 explib/monitor/overlord 的测试使用
package nodetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"

	"overlord/internal/nodeman"
	"overlord/pkg/model"
)

// Vessel 假节点上的一个 vessel
type Vessel struct {
	Name      string
	Status    model.VesselStatus
	OwnerKey  string
	UserKeys  []string
	Advertise bool
	OwnerInfo string
	Log       string
	Files     map[string][]byte
	Program   string
	Args      []string
}

func (v *Vessel) clone() Vessel {
	out := *v
	out.UserKeys = append([]string(nil), v.UserKeys...)
	out.Args = append([]string(nil), v.Args...)
	out.Files = make(map[string][]byte, len(v.Files))
	for name, data := range v.Files {
		out.Files[name] = append([]byte(nil), data...)
	}
	return out
}

// Node 监听在 127.0.0.1 随机端口上的假节点
type Node struct {
	ID       model.NodeID
	Location model.NodeLocation

	server *nodeman.Server
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	vessels   map[string]*Vessel
	failStart map[string]string
	calls     map[nodeman.Action]int
	nodeKey   string
	next      int
	closed    bool
}

// Start 启动假节点，测试结束时自动关闭
func Start(t testing.TB) *Node {
	t.Helper()
	key, err := model.GenerateIdentity("")
	if err != nil {
		t.Fatalf("generating node key: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ID:        model.NodeID(key.PublicKeyString()),
		Location:  model.NodeLocation(ln.Addr().String()),
		server:    nodeman.NewServer(zap.NewNop()),
		ln:        ln,
		cancel:    cancel,
		done:      make(chan struct{}),
		vessels:   make(map[string]*Vessel),
		failStart: make(map[string]string),
		calls:     make(map[nodeman.Action]int),
	}
	n.register()

	go func() {
		defer close(n.done)
		n.server.Serve(ctx, ln)
	}()
	t.Cleanup(n.Close)
	return n
}

// Close 停止监听，之后对该位置的连接都会被拒绝
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	<-n.done
}

// AddVessel 添加 vessel，Status 为空时视为 Fresh
func (n *Node) AddVessel(v Vessel) model.VesselHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v.Status == "" {
		v.Status = model.StatusFresh
	}
	if v.Files == nil {
		v.Files = make(map[string][]byte)
	}
	stored := v.clone()
	n.vessels[v.Name] = &stored
	return model.NewVesselHandle(n.ID, v.Name)
}

// Vessel 返回 vessel 的快照
func (n *Node) Vessel(name string) (Vessel, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.vessels[name]
	if !ok {
		return Vessel{}, false
	}
	return v.clone(), true
}

func (n *Node) SetStatus(name string, status model.VesselStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.vessels[name]; ok {
		v.Status = status
	}
}

func (n *Node) RemoveVessel(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.vessels, name)
}

// FailStart 让 name 上的下一次 StartVessel 失败，reason 写入 vessel 日志
func (n *Node) FailStart(name, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failStart[name] = reason
}

// ReportKey 让 GetVessels 上报 key 而不是节点自己的 ID
func (n *Node) ReportKey(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodeKey = key
}

// Calls 统计 action 被成功解帧并分发的次数
func (n *Node) Calls(action nodeman.Action) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[action]
}

// UnreachableLocation 返回一个没有任何进程监听的本地地址
func UnreachableLocation(t testing.TB) model.NodeLocation {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	location := model.NodeLocation(ln.Addr().String())
	ln.Close()
	return location
}

var (
	errNoSuchVessel  = errors.New("no such vessel")
	errNotAuthorized = errors.New("not authorized")
)

// handler 统一做计数、查找 vessel 和权限检查
func (n *Node) handler(action nodeman.Action, fn func(req *nodeman.Request, v *Vessel) (any, error)) {
	n.server.Handle(action, func(_ context.Context, req *nodeman.Request) (any, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.calls[action]++

		if action.Public() && req.Vessel == "" {
			return fn(req, nil)
		}
		v, ok := n.vessels[req.Vessel]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errNoSuchVessel, req.Vessel)
		}
		if !action.Public() {
			caller := model.EncodeKey(req.PublicKey)
			if action.OwnerOnly() && caller != v.OwnerKey {
				return nil, errNotAuthorized
			}
			if !action.OwnerOnly() && !(model.VesselInfo{OwnerKey: v.OwnerKey, UserKeys: v.UserKeys}).UsableBy(caller) {
				return nil, errNotAuthorized
			}
		}
		return fn(req, v)
	})
}

func (n *Node) register() {
	n.handler(nodeman.ActionPing, func(*nodeman.Request, *Vessel) (any, error) {
		return nil, nil
	})
	n.handler(nodeman.ActionGetVessels, func(*nodeman.Request, *Vessel) (any, error) {
		key := string(n.ID)
		if n.nodeKey != "" {
			key = n.nodeKey
		}
		info := model.NodeInfo{
			NodeKey: key,
			Version: nodeman.ProtocolVersion,
			Vessels: make(map[string]model.VesselInfo, len(n.vessels)),
		}
		for name, v := range n.vessels {
			info.Vessels[name] = model.VesselInfo{
				Status:    string(v.Status),
				OwnerKey:  v.OwnerKey,
				UserKeys:  append([]string(nil), v.UserKeys...),
				Advertise: v.Advertise,
				OwnerInfo: v.OwnerInfo,
			}
		}
		return info, nil
	})
	n.handler(nodeman.ActionGetOffcutResources, func(*nodeman.Request, *Vessel) (any, error) {
		return "cpu 0.05\nmemory 2000000\n", nil
	})
	n.handler(nodeman.ActionGetVesselResources, func(_ *nodeman.Request, v *Vessel) (any, error) {
		return fmt.Sprintf("vessel %s\ncpu 0.10\nfiles %d\n", v.Name, len(v.Files)), nil
	})
	n.handler(nodeman.ActionReadVesselLog, func(_ *nodeman.Request, v *Vessel) (any, error) {
		return v.Log, nil
	})
	n.handler(nodeman.ActionListFilesInVessel, func(_ *nodeman.Request, v *Vessel) (any, error) {
		names := make([]string, 0, len(v.Files))
		for name := range v.Files {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	})
	n.handler(nodeman.ActionAddFileToVessel, func(req *nodeman.Request, v *Vessel) (any, error) {
		var payload nodeman.FilePayload
		if err := req.DecodeArgs(&payload); err != nil {
			return nil, err
		}
		content, err := payload.Content()
		if err != nil {
			return nil, err
		}
		v.Files[payload.Name] = content
		return nil, nil
	})
	n.handler(nodeman.ActionRetrieveFileFromVessel, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.FileNameArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		content, ok := v.Files[args.Name]
		if !ok {
			return nil, fmt.Errorf("no file %q", args.Name)
		}
		return nodeman.NewFilePayload(args.Name, content)
	})
	n.handler(nodeman.ActionDeleteFileInVessel, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.FileNameArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		if _, ok := v.Files[args.Name]; !ok {
			return nil, fmt.Errorf("no file %q", args.Name)
		}
		delete(v.Files, args.Name)
		return nil, nil
	})
	n.handler(nodeman.ActionResetVessel, func(_ *nodeman.Request, v *Vessel) (any, error) {
		v.Files = make(map[string][]byte)
		v.Status = model.StatusFresh
		v.Log = ""
		v.Program, v.Args = "", nil
		return nil, nil
	})
	n.handler(nodeman.ActionStartVessel, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.StartArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		if v.Status == model.StatusStarted {
			return nil, errors.New("vessel already started")
		}
		if _, ok := v.Files[args.Program]; !ok {
			return nil, fmt.Errorf("program %q not found in vessel", args.Program)
		}
		if reason, fail := n.failStart[v.Name]; fail {
			delete(n.failStart, v.Name)
			v.Status = model.StatusTerminated
			v.Log = reason
			return nil, fmt.Errorf("program exited: %s", reason)
		}
		v.Program, v.Args = args.Program, args.Args
		v.Status = model.StatusStarted
		return nil, nil
	})
	n.handler(nodeman.ActionStopVessel, func(_ *nodeman.Request, v *Vessel) (any, error) {
		if v.Status != model.StatusStarted {
			return nil, errors.New("vessel is not running")
		}
		v.Status = model.StatusStopped
		return nil, nil
	})
	n.handler(nodeman.ActionSplitVessel, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.SplitArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		if args.Resources == "" {
			return nil, errors.New("empty resource description")
		}
		first, second := n.derive(v), n.derive(v)
		delete(n.vessels, v.Name)
		return []string{first, second}, nil
	})
	n.handler(nodeman.ActionJoinVessels, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.JoinArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		other, ok := n.vessels[args.Other]
		if !ok || other.OwnerKey != v.OwnerKey {
			return nil, fmt.Errorf("cannot join %s with %s", v.Name, args.Other)
		}
		joined := n.derive(v)
		delete(n.vessels, v.Name)
		delete(n.vessels, other.Name)
		return joined, nil
	})
	n.handler(nodeman.ActionChangeOwner, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.ChangeOwnerArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		if _, err := model.DecodePublicKey(args.OwnerKey); err != nil {
			return nil, err
		}
		v.OwnerKey = args.OwnerKey
		return nil, nil
	})
	n.handler(nodeman.ActionChangeAdvertise, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.ChangeAdvertiseArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		v.Advertise = args.Advertise
		return nil, nil
	})
	n.handler(nodeman.ActionChangeOwnerInformation, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.ChangeOwnerInfoArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		v.OwnerInfo = args.Info
		return nil, nil
	})
	n.handler(nodeman.ActionChangeUsers, func(req *nodeman.Request, v *Vessel) (any, error) {
		var args nodeman.ChangeUsersArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		for _, key := range args.UserKeys {
			if _, err := model.DecodePublicKey(key); err != nil {
				return nil, err
			}
		}
		v.UserKeys = append([]string(nil), args.UserKeys...)
		return nil, nil
	})
}

// derive 以 v 的所有权信息创建一个新 vessel，调用方持有 n.mu
func (n *Node) derive(v *Vessel) string {
	n.next++
	name := fmt.Sprintf("v%d", 100+n.next)
	n.vessels[name] = &Vessel{
		Name:     name,
		Status:   model.StatusFresh,
		OwnerKey: v.OwnerKey,
		UserKeys: append([]string(nil), v.UserKeys...),
		Files:    make(map[string][]byte),
	}
	return name
}
