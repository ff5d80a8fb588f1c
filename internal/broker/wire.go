package broker

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"overlord/pkg/model"
)

// API 路径
const (
	PathAcquire         = "/api/v1/acquire"
	PathAcquireSpecific = "/api/v1/acquire_specific"
	PathRelease         = "/api/v1/release"
	PathRenew           = "/api/v1/renew"
	PathResources       = "/api/v1/resources"
	PathAccount         = "/api/v1/account"
)

// 认证请求头
const (
	HeaderUser      = "X-Overlord-User"
	HeaderKey       = "X-Overlord-Key"
	HeaderTime      = "X-Overlord-Time"
	HeaderSignature = "X-Overlord-Signature"
)

// MaxClockSkew broker 接受的请求时间偏差
const MaxClockSkew = 5 * time.Minute

// Vessel broker 返回的原始 vessel 记录
type Vessel struct {
	Handle           model.VesselHandle `json:"handle"`
	NodeID           model.NodeID       `json:"node_id"`
	NodeIP           string             `json:"node_ip"`
	NodePort         int                `json:"node_port"`
	VesselName       string             `json:"vessel_id"`
	ExpiresInSeconds int64              `json:"expires_in_seconds"`
}

// Location 节点位置 "ip:port"
func (v Vessel) Location() model.NodeLocation {
	return model.NodeLocation(v.NodeIP + ":" + strconv.Itoa(v.NodePort))
}

// Dict 转换为 VesselDict (带 ExpiresInSeconds)
func (v Vessel) Dict() model.VesselDict {
	return model.VesselDict{
		Handle:           model.NewVesselHandle(v.NodeID, v.VesselName),
		Location:         v.Location(),
		Name:             v.VesselName,
		NodeID:           v.NodeID,
		ExpiresInSeconds: v.ExpiresInSeconds,
	}
}

type (
	AcquireRequest struct {
		Type  model.VesselType `json:"type"`
		Count int              `json:"count"`
	}

	HandlesRequest struct {
		Handles []model.VesselHandle `json:"handles"`
	}

	VesselsResponse struct {
		Vessels []Vessel `json:"vessels"`
	}

	// ErrorResponse 非 2xx 响应的 body
	ErrorResponse struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}
)

// SignatureMessage 被签名的内容：方法、路径、时间戳和请求 body
func SignatureMessage(method, path string, timestamp int64, body []byte) []byte {
	msg := fmt.Appendf(nil, "%s\n%s\n%d\n", method, path, timestamp)
	return append(msg, body...)
}

var errBadAuth = errors.New("request authentication failed")

// VerifyRequest 服务端校验认证头，返回用户名和公钥文本
func VerifyRequest(r *http.Request, body []byte, now time.Time) (username, publicKey string, err error) {
	username = r.Header.Get(HeaderUser)
	publicKey = r.Header.Get(HeaderKey)
	if username == "" || publicKey == "" {
		return "", "", fmt.Errorf("%w: missing credentials", errBadAuth)
	}
	key, err := model.DecodePublicKey(publicKey)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", errBadAuth, err)
	}
	timestamp, err := strconv.ParseInt(r.Header.Get(HeaderTime), 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad timestamp", errBadAuth)
	}
	issued := time.Unix(timestamp, 0)
	if issued.Before(now.Add(-MaxClockSkew)) || issued.After(now.Add(MaxClockSkew)) {
		return "", "", fmt.Errorf("%w: timestamp outside the accepted window", errBadAuth)
	}
	signature, err := base64.RawURLEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return "", "", fmt.Errorf("%w: bad signature encoding", errBadAuth)
	}
	if !ed25519.Verify(key, SignatureMessage(r.Method, r.URL.Path, timestamp, body), signature) {
		return "", "", fmt.Errorf("%w: signature mismatch", errBadAuth)
	}
	return username, publicKey, nil
}
