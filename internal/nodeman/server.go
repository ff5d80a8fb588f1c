package nodeman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlord/pkg/codec"
)

// maxRequestSize 一个请求帧的上限
const maxRequestSize = maxResponseSize

// ErrReplayed nonce 在时间窗口内已经出现过
var ErrReplayed = errors.New("request nonce already used")

// HandlerFunc 处理一个已解码 (且签名请求已校验) 的请求
// 返回值会被 CBOR 编码进 Response.Data，返回 error 时回写 ok=false
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Server 节点侧的协议帧处理：一个连接一个请求
// 只负责解帧、验签、防重放和分发，vessel 语义由注册的 HandlerFunc 实现
type Server struct {
	handlers map[Action]HandlerFunc
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handlers: make(map[Action]HandlerFunc),
		logger:   logger,
		now:      time.Now,
		nonces:   make(map[string]time.Time),
	}
}

// Handle 注册 action 的处理函数，需在 Serve 之前调用
func (s *Server) Handle(action Action, fn HandlerFunc) {
	s.handlers[action] = fn
}

// Serve 接受连接直到 ctx 结束或 listener 被关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(DefaultTimeout))

	resp := s.dispatch(ctx, conn)
	if err := codec.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("[NodeMan] writing response failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn) *Response {
	var env Envelope
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&env); err != nil {
		return failure(fmt.Errorf("reading request: %w", err))
	}

	req, signed, err := Open(&env, s.now())
	if err != nil {
		return failure(err)
	}
	if !req.Action.Public() {
		if !signed {
			return failure(ErrUnsigned)
		}
		if err := s.checkNonce(req.Nonce); err != nil {
			return failure(err)
		}
	}

	handler, ok := s.handlers[req.Action]
	if !ok {
		return failure(fmt.Errorf("unknown action %q", req.Action))
	}

	result, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("[NodeMan] request rejected",
			zap.String("action", string(req.Action)),
			zap.String("vessel", req.Vessel),
			zap.Error(err))
		return failure(err)
	}

	resp := &Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return failure(fmt.Errorf("encoding %s result: %w", req.Action, err))
		}
		resp.Data = data
	}
	return resp
}

// checkNonce 记录 nonce，窗口外的旧记录顺带清理
func (s *Server) checkNonce(nonce string) error {
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrReplayed)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.nonces[nonce]; seen {
		return ErrReplayed
	}
	for n, at := range s.nonces {
		if now.Sub(at) > 2*MaxClockSkew {
			delete(s.nonces, n)
		}
	}
	s.nonces[nonce] = now
	return nil
}

func failure(err error) *Response {
	return &Response{OK: false, Error: err.Error()}
}
