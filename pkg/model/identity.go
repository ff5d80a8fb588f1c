package model

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrIdentityIncomplete 身份缺少当前操作需要的信息 (私钥或用户名)
var ErrIdentityIncomplete = errors.New("identity information missing")

// keyEncoding 公私钥的文本编码。不含 ':'，所以公钥文本可以直接作为 NodeID
var keyEncoding = base64.RawURLEncoding

// Identity 一组凭证：公钥必有，私钥和 broker 用户名可选。创建后不可变
type Identity struct {
	Username   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateIdentity 生成新的 Ed25519 身份
func GenerateIdentity(username string) (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return &Identity{Username: username, PublicKey: public, PrivateKey: private}, nil
}

// IdentityFromKeyStrings 从文本形式的密钥构造身份，privateKey/username 可为空
func IdentityFromKeyStrings(publicKey, privateKey, username string) (*Identity, error) {
	public, err := DecodePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	id := &Identity{Username: username, PublicKey: public}
	if privateKey != "" {
		private, err := DecodePrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		if !public.Equal(private.Public()) {
			return nil, fmt.Errorf("private key does not match public key")
		}
		id.PrivateKey = private
	}
	return id, nil
}

// EncodeKey 把原始密钥字节编码成文本
func EncodeKey(key []byte) string {
	return keyEncoding.EncodeToString(key)
}

// DecodePublicKey 解析文本公钥
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := keyEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// DecodePrivateKey 解析文本私钥，接受 32 字节 seed 或 64 字节完整私钥
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := keyEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("private key has %d bytes, want %d or %d",
		len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
}

// PublicKeyString 公钥文本，也是 handle cache 的 key
func (id *Identity) PublicKeyString() string {
	return EncodeKey(id.PublicKey)
}

// PrivateKeyString 私钥文本，没有私钥时返回空串
func (id *Identity) PrivateKeyString() string {
	if id.PrivateKey == nil {
		return ""
	}
	return EncodeKey(id.PrivateKey)
}

func (id *Identity) HasPrivateKey() bool {
	return len(id.PrivateKey) == ed25519.PrivateKeySize
}

// Fingerprint 公钥的短摘要，用于日志
func (id *Identity) Fingerprint() string {
	sum := blake3.Sum256(id.PublicKey)
	return hex.EncodeToString(sum[:8])
}

// Validate 校验身份是否满足操作要求
func (id *Identity) Validate(requirePrivateKey, requireUsername bool) error {
	if id == nil || len(id.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: no valid public key", ErrIdentityIncomplete)
	}
	if requirePrivateKey && !id.HasPrivateKey() {
		return fmt.Errorf("%w: a private key is required", ErrIdentityIncomplete)
	}
	if requireUsername && id.Username == "" {
		return fmt.Errorf("%w: a username is required", ErrIdentityIncomplete)
	}
	return nil
}

// Sign 用私钥签名
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if err := id.Validate(true, false); err != nil {
		return nil, err
	}
	return ed25519.Sign(id.PrivateKey, message), nil
}
