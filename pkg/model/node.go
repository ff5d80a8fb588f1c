package model

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID 节点唯一标识 (节点公钥的文本形式)，与网络位置无关，节点生命周期内不变
type NodeID string

// NodeLocation 节点的网络位置，格式为 "host:port"
// 同一个节点可能随时间迁移到不同位置，不能当作长期唯一标识
type NodeLocation string

// ParseNodeLocation 校验并拆分 "host:port"
func ParseNodeLocation(s string) (host string, port int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, fmt.Errorf("%w: %q should be host:port", ErrInvalidLocation, s)
	}
	port, err = strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q has a bad port", ErrInvalidLocation, s)
	}
	return parts[0], port, nil
}

// Validate 校验位置格式
func (l NodeLocation) Validate() error {
	_, _, err := ParseNodeLocation(string(l))
	return err
}

// Host 返回 host 部分，格式不合法时返回空串
func (l NodeLocation) Host() string {
	host, _, _ := ParseNodeLocation(string(l))
	return host
}

// Port 返回端口，格式不合法时返回 0
func (l NodeLocation) Port() int {
	_, port, _ := ParseNodeLocation(string(l))
	return port
}

// NodeInfo 是节点对 GetVessels 请求的完整应答 (节点上的全部 vessel 表)
type NodeInfo struct {
	NodeKey string                `cbor:"nodekey" json:"nodekey"`
	Version string                `cbor:"version" json:"version"`
	Vessels map[string]VesselInfo `cbor:"vessels" json:"vessels"`
}

// VesselInfo 节点上单个 vessel 的原始记录
type VesselInfo struct {
	Status    string   `cbor:"status" json:"status"`
	OwnerKey  string   `cbor:"ownerkey" json:"ownerkey"`
	UserKeys  []string `cbor:"userkeys" json:"userkeys"`
	Advertise bool     `cbor:"advertise" json:"advertise"`
	OwnerInfo string   `cbor:"ownerinfo,omitempty" json:"ownerinfo,omitempty"`
}

// UsableBy 判断给定公钥是否为该 vessel 的 owner 或 user
func (v VesselInfo) UsableBy(publicKey string) bool {
	if v.OwnerKey == publicKey {
		return true
	}
	for _, key := range v.UserKeys {
		if key == publicKey {
			return true
		}
	}
	return false
}
