// Package keyfile 读写 <user>.publickey / <user>.privatekey 形式的身份文件
// 私钥文件可以用 age (scrypt 口令) 加密，文件名以 .age 结尾
package keyfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"overlord/pkg/model"
)

const (
	PublicKeySuffix  = ".publickey"
	PrivateKeySuffix = ".privatekey"
	AgeSuffix        = ".age"
)

// ageHeader age 文件固定的开头，用来识别没有 .age 后缀的加密私钥
const ageHeader = "age-encryption.org/v1"

// ScryptWorkFactor 加密私钥时的 scrypt logN，测试里调低以加快速度
var ScryptWorkFactor = 18

// ErrPassphraseRequired 私钥已加密，但调用方没有提供口令来源
var ErrPassphraseRequired = errors.New("private key is encrypted and no passphrase was supplied")

// PassphraseFunc 按需获取口令 (终端输入、配置文件、环境变量)
type PassphraseFunc func() (string, error)

// UsernameFromPath 文件名第一个 '.' 之前的部分即 broker 用户名
func UsernameFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// ReadIdentity 从密钥文件构造身份。privatePath 为空时只加载公钥
func ReadIdentity(publicPath, privatePath string, passphrase PassphraseFunc) (*model.Identity, error) {
	publicText, err := readKeyText(publicPath)
	if err != nil {
		return nil, err
	}

	var privateText string
	if privatePath != "" {
		raw, err := os.ReadFile(privatePath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		if strings.HasSuffix(privatePath, AgeSuffix) || bytes.HasPrefix(raw, []byte(ageHeader)) {
			if passphrase == nil {
				return nil, fmt.Errorf("%s: %w", privatePath, ErrPassphraseRequired)
			}
			raw, err = decrypt(raw, passphrase)
			if err != nil {
				return nil, fmt.Errorf("decrypting %s: %w", privatePath, err)
			}
		}
		privateText = strings.TrimSpace(string(raw))
	}

	id, err := model.IdentityFromKeyStrings(publicText, privateText, UsernameFromPath(publicPath))
	if err != nil {
		return nil, fmt.Errorf("loading identity from %s: %w", publicPath, err)
	}
	return id, nil
}

// FindPrivateKey 在 dir 中查找 username 的私钥文件，优先未加密的
// 两者都不存在时返回空串
func FindPrivateKey(dir, username string) string {
	for _, suffix := range []string{PrivateKeySuffix, PrivateKeySuffix + AgeSuffix} {
		path := filepath.Join(dir, username+suffix)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// WriteKeyPair 把身份写入 dir/<username>.publickey 和私钥文件
// passphrase 非空时私钥用 age 加密，文件名追加 .age。返回私钥文件路径
func WriteKeyPair(dir string, id *model.Identity, passphrase string) (string, error) {
	if err := id.Validate(true, true); err != nil {
		return "", err
	}

	publicPath := filepath.Join(dir, id.Username+PublicKeySuffix)
	if err := os.WriteFile(publicPath, []byte(id.PublicKeyString()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing public key: %w", err)
	}

	privatePath := filepath.Join(dir, id.Username+PrivateKeySuffix)
	content := []byte(id.PrivateKeyString() + "\n")
	if passphrase != "" {
		var err error
		content, err = encrypt(content, passphrase)
		if err != nil {
			return "", err
		}
		privatePath += AgeSuffix
	}
	if err := os.WriteFile(privatePath, content, 0o600); err != nil {
		return "", fmt.Errorf("writing private key: %w", err)
	}
	return privatePath, nil
}

func readKeyText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading public key: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(ScryptWorkFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func decrypt(ciphertext []byte, passphrase PassphraseFunc) ([]byte, error) {
	secret, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	identity, err := age.NewScryptIdentity(secret)
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
