package nodeman

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"overlord/pkg/codec"
	"overlord/pkg/model"
)

// MaxClockSkew 节点接受的请求时间与本地时间的最大偏差
const MaxClockSkew = 5 * time.Minute

var (
	ErrBadSignature = errors.New("request signature verification failed")
	ErrStaleRequest = errors.New("request timestamp outside the accepted window")
	ErrUnsigned     = errors.New("request requires a signature")
)

// Seal 编码请求并生成线上帧
// identity 为 nil 时生成匿名帧；否则填入公钥、nonce、时间戳并签名
func Seal(req *Request, identity *model.Identity, now time.Time) (*Envelope, error) {
	if identity == nil {
		body, err := codec.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", req.Action, err)
		}
		return &Envelope{Body: body}, nil
	}

	signed := *req
	signed.PublicKey = identity.PublicKey
	signed.Nonce = uuid.NewString()
	signed.Time = now.Unix()

	body, err := codec.Marshal(&signed)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Action, err)
	}
	signature, err := identity.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("signing %s request: %w", req.Action, err)
	}
	return &Envelope{Body: body, Signature: signature}, nil
}

// Open 解码线上帧；有签名时校验签名与时间窗口
// 返回的 bool 表示请求是否经过签名校验
func Open(env *Envelope, now time.Time) (*Request, bool, error) {
	var req Request
	if err := codec.Unmarshal(env.Body, &req); err != nil {
		return nil, false, fmt.Errorf("decoding request: %w", err)
	}
	if len(env.Signature) == 0 {
		return &req, false, nil
	}

	if len(req.PublicKey) != ed25519.PublicKeySize {
		return nil, false, fmt.Errorf("%w: missing public key", ErrBadSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(req.PublicKey), env.Body, env.Signature) {
		return nil, false, ErrBadSignature
	}
	issued := time.Unix(req.Time, 0)
	if issued.Before(now.Add(-MaxClockSkew)) || issued.After(now.Add(MaxClockSkew)) {
		return nil, false, fmt.Errorf("%w: issued %s", ErrStaleRequest, issued.UTC().Format(time.RFC3339))
	}
	return &req, true, nil
}
