// Package broker 是资源 broker 的 HTTP/JSON 客户端
// 每个请求都带用户名、公钥、时间戳和 Ed25519 签名
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"overlord/pkg/model"
)

const DefaultTimeout = 30 * time.Second

// LocationSink 接收 broker 返回的节点位置，*explib.Client 满足该接口
type LocationSink interface {
	RememberLocation(nodeID model.NodeID, location model.NodeLocation)
}

// Client broker 客户端。账户的 user port 第一次查询后缓存
type Client struct {
	http     *resty.Client
	identity *model.Identity
	sink     LocationSink
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	userPort int
}

type Option func(*Client)

func WithLocationSink(s LocationSink) Option {
	return func(c *Client) { c.sink = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New 创建客户端，身份必须带私钥和用户名
func New(baseURL string, identity *model.Identity, opts ...Option) (*Client, error) {
	if err := identity.Validate(true, true); err != nil {
		return nil, err
	}
	c := &Client{
		http:     resty.New().SetBaseURL(baseURL).SetTimeout(DefaultTimeout),
		identity: identity,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AcquireVessels 按类型申请 n 个 vessel，要么全部成功要么一个都不申请
// n == 0 时直接返回空列表，不发请求
func (c *Client) AcquireVessels(ctx context.Context, vesselType model.VesselType, n int) ([]model.VesselHandle, error) {
	const op = "acquire"
	if !vesselType.Valid() {
		return nil, &Error{Kind: ErrBrokerInvalidRequest, Op: op, Message: fmt.Sprintf("unknown vessel type %q", vesselType)}
	}
	if n < 0 {
		return nil, &Error{Kind: ErrBrokerInvalidRequest, Op: op, Message: fmt.Sprintf("cannot acquire %d vessels", n)}
	}
	if n == 0 {
		return []model.VesselHandle{}, nil
	}

	var resp VesselsResponse
	if err := c.do(ctx, op, http.MethodPost, PathAcquire, AcquireRequest{Type: vesselType, Count: n}, &resp); err != nil {
		return nil, err
	}
	return c.handles(resp.Vessels), nil
}

// AcquireSpecificVessels 申请指定的 vessel，可以部分成功
func (c *Client) AcquireSpecificVessels(ctx context.Context, handles []model.VesselHandle) ([]model.VesselHandle, error) {
	const op = "acquire specific"
	if err := validateHandles(op, handles); err != nil {
		return nil, err
	}
	var resp VesselsResponse
	if err := c.do(ctx, op, http.MethodPost, PathAcquireSpecific, HandlesRequest{Handles: handles}, &resp); err != nil {
		return nil, err
	}
	return c.handles(resp.Vessels), nil
}

func (c *Client) ReleaseVessels(ctx context.Context, handles []model.VesselHandle) error {
	const op = "release"
	if err := validateHandles(op, handles); err != nil {
		return err
	}
	if len(handles) == 0 {
		return nil
	}
	return c.do(ctx, op, http.MethodPost, PathRelease, HandlesRequest{Handles: handles}, nil)
}

// RenewVessels 把 vessel 的过期时间重置为最大值
func (c *Client) RenewVessels(ctx context.Context, handles []model.VesselHandle) error {
	const op = "renew"
	if err := validateHandles(op, handles); err != nil {
		return err
	}
	if len(handles) == 0 {
		return nil
	}
	return c.do(ctx, op, http.MethodPost, PathRenew, HandlesRequest{Handles: handles}, nil)
}

// AcquiredVessels 账户当前持有的 vessel
func (c *Client) AcquiredVessels(ctx context.Context) ([]model.VesselHandle, error) {
	dicts, err := c.AcquiredVesselDetails(ctx)
	if err != nil {
		return nil, err
	}
	return model.Handles(dicts), nil
}

// AcquiredVesselDetails 同上，带位置和剩余时间
func (c *Client) AcquiredVesselDetails(ctx context.Context) ([]model.VesselDict, error) {
	var resp VesselsResponse
	if err := c.do(ctx, "get resource info", http.MethodGet, PathResources, nil, &resp); err != nil {
		return nil, err
	}
	c.remember(resp.Vessels)
	dicts := make([]model.VesselDict, 0, len(resp.Vessels))
	for _, v := range resp.Vessels {
		dicts = append(dicts, v.Dict())
	}
	return dicts, nil
}

// AccountInfo 不缓存：可分配上限会随捐赠节点上下线变化
func (c *Client) AccountInfo(ctx context.Context) (model.AccountInfo, error) {
	var info model.AccountInfo
	err := c.do(ctx, "get account info", http.MethodGet, PathAccount, nil, &info)
	return info, err
}

func (c *Client) MaxVesselsAllowed(ctx context.Context) (int, error) {
	info, err := c.AccountInfo(ctx)
	return info.MaxVessels, err
}

// UserPort broker 保证在所有已分配 vessel 上可用的端口，不会变化，缓存
func (c *Client) UserPort(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userPort != 0 {
		return c.userPort, nil
	}
	info, err := c.AccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	c.userPort = info.UserPort
	return c.userPort, nil
}

func (c *Client) handles(vessels []Vessel) []model.VesselHandle {
	c.remember(vessels)
	out := make([]model.VesselHandle, 0, len(vessels))
	for _, v := range vessels {
		out = append(out, v.Dict().Handle)
	}
	return out
}

// remember broker 返回的记录顺带更新位置缓存
func (c *Client) remember(vessels []Vessel) {
	if c.sink == nil {
		return
	}
	for _, v := range vessels {
		c.sink.RememberLocation(v.NodeID, v.Location())
	}
}

// do 发送签名请求并把响应解码到 result
// 传输层的任何意外 (连接失败、超时、无法解析的响应) 都归为 ErrBrokerCommunication
func (c *Client) do(ctx context.Context, op, method, path string, body any, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: ErrBrokerInvalidRequest, Op: op, Err: err}
		}
	}

	timestamp := c.now().Unix()
	signature, err := c.identity.Sign(SignatureMessage(method, path, timestamp, payload))
	if err != nil {
		return &Error{Kind: ErrBrokerAuthentication, Op: op, Err: err}
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader(HeaderUser, c.identity.Username).
		SetHeader(HeaderKey, c.identity.PublicKeyString()).
		SetHeader(HeaderTime, strconv.FormatInt(timestamp, 10)).
		SetHeader(HeaderSignature, base64.RawURLEncoding.EncodeToString(signature))
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn("[Broker] request failed", zap.String("op", op), zap.Error(err))
		return &Error{Kind: ErrBrokerCommunication, Op: op, Err: err}
	}
	c.logger.Debug("[Broker] request finished",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)))

	if resp.IsError() || resp.StatusCode() >= 300 {
		return c.decodeError(op, resp)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			return &Error{Kind: ErrBrokerCommunication, Op: op, Status: resp.StatusCode(), Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

func (c *Client) decodeError(op string, resp *resty.Response) error {
	e := &Error{Op: op, Status: resp.StatusCode()}

	var body ErrorResponse
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		e.Message = body.Error
		if kind, ok := kinds[body.Kind]; ok {
			e.Kind = kind
			return e
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode())
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		e.Kind = ErrBrokerAuthentication
	case resp.StatusCode() == http.StatusPaymentRequired:
		e.Kind = ErrNotEnoughCredits
	case resp.StatusCode() == http.StatusConflict:
		e.Kind = ErrUnableToAcquire
	case resp.StatusCode() >= 500:
		e.Kind = ErrBrokerInternal
	case resp.StatusCode() >= 400:
		e.Kind = ErrBrokerInvalidRequest
	default:
		e.Kind = ErrBrokerCommunication
	}
	return e
}

func validateHandles(op string, handles []model.VesselHandle) error {
	if err := model.ValidateHandles(handles); err != nil {
		return &Error{Kind: ErrBrokerInvalidRequest, Op: op, Err: err}
	}
	return nil
}
