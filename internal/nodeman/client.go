package nodeman

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"overlord/pkg/codec"
	"overlord/pkg/model"
)

const (
	// DefaultTimeout 单次请求 (连接 + 写请求 + 读响应) 的上限
	DefaultTimeout = 10 * time.Second

	// maxResponseSize 一个响应的上限：压缩后的文件加上帧开销
	maxResponseSize = MaxFileSize + 1<<20
)

// Dialer 建立到节点的连接，*net.Dialer 满足该接口
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handle 面向一个 (身份, 节点位置) 的连接句柄
// identity 为 nil 时是匿名句柄，只能发 Public 请求。
// Handle 本身不持有连接，每次调用新建连接，所以可以被多个 goroutine 共享
type Handle struct {
	location model.NodeLocation
	identity *model.Identity
	dialer   Dialer
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// HandleOption 可选配置
type HandleOption func(*Handle)

func WithDialer(d Dialer) HandleOption {
	return func(h *Handle) { h.dialer = d }
}

func WithTimeout(d time.Duration) HandleOption {
	return func(h *Handle) { h.timeout = d }
}

func WithLogger(l *zap.Logger) HandleOption {
	return func(h *Handle) { h.logger = l }
}

func WithClock(now func() time.Time) HandleOption {
	return func(h *Handle) { h.now = now }
}

// NewHandle 创建句柄。签名句柄要求身份带私钥
func NewHandle(location model.NodeLocation, identity *model.Identity, opts ...HandleOption) (*Handle, error) {
	if err := location.Validate(); err != nil {
		return nil, err
	}
	if identity != nil {
		if err := identity.Validate(true, false); err != nil {
			return nil, err
		}
	}
	h := &Handle{
		location: location,
		identity: identity,
		dialer:   &net.Dialer{},
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handle) Location() model.NodeLocation { return h.location }

// Anonymous 是否为匿名句柄
func (h *Handle) Anonymous() bool { return h.identity == nil }

// Call 发送一次请求，result 非 nil 时把 data 解码进去
func (h *Handle) Call(ctx context.Context, action Action, vessel string, args any, result any) error {
	if h.identity == nil && !action.Public() {
		return fmt.Errorf("%s on %s: %w", action, h.location, ErrUnsigned)
	}

	req := &Request{Action: action, Vessel: vessel}
	if args != nil {
		raw, err := codec.Marshal(args)
		if err != nil {
			return fmt.Errorf("encoding %s arguments: %w", action, err)
		}
		req.Args = raw
	}

	// 公开请求不签名，即使句柄带着身份
	signer := h.identity
	if action.Public() {
		signer = nil
	}
	env, err := Seal(req, signer, h.now())
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := h.roundTrip(ctx, env)
	if err != nil {
		h.logger.Debug("[NodeMan] call failed",
			zap.String("action", string(action)),
			zap.String("location", string(h.location)),
			zap.Error(err))
		return fmt.Errorf("%s on %s: %w", action, h.location, err)
	}
	h.logger.Debug("[NodeMan] call finished",
		zap.String("action", string(action)),
		zap.String("location", string(h.location)),
		zap.Bool("ok", resp.OK),
		zap.Duration("elapsed", time.Since(start)))

	if !resp.OK {
		return &RemoteError{Action: action, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decoding %s response from %s: %w", action, h.location, err)
		}
	}
	return nil
}

// roundTrip 一个连接只承载一次请求/响应
func (h *Handle) roundTrip(ctx context.Context, env *Envelope) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	conn, err := h.dialer.DialContext(ctx, "tcp", string(h.location))
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// ctx 取消时立刻打断阻塞中的读写
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(env); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	var resp Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &resp, nil
}

// Probe 轻量的连通性检查，用于在多个广播位置中挑出可达的那个
func Probe(ctx context.Context, location model.NodeLocation, opts ...HandleOption) error {
	h, err := NewHandle(location, nil, opts...)
	if err != nil {
		return err
	}
	return h.Ping(ctx)
}
