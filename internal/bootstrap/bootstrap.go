// Package bootstrap 把配置装配成各命令需要的组件：logger、身份、广播后端、explib 和 broker 客户端
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"overlord/internal/broker"
	"overlord/internal/config"
	"overlord/internal/explib"
	"overlord/internal/keyfile"
	"overlord/internal/logging"
	"overlord/pkg/model"
	"overlord/pkg/store"
)

// EnvPassphrase 加密私钥的口令，未设置时在终端提示输入
const EnvPassphrase = "OVERLORD_KEY_PASSPHRASE"

// Env 一个命令进程的共享依赖，Close 释放 etcd 连接并刷新日志
type Env struct {
	Config *config.Config
	Logger *zap.Logger

	closers []func() error
}

// Setup 构造 logger
func Setup(cfg *config.Config) (*Env, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	return &Env{Config: cfg, Logger: logger}, nil
}

func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.Logger.Warn("[Bootstrap] Close failed", zap.Error(err))
		}
	}
	e.closers = nil
	_ = e.Logger.Sync()
}

// Identity 读取 <key_dir>/<user>.publickey 和私钥文件
// requirePrivateKey 为 false 且找不到私钥时返回只有公钥的身份
func (e *Env) Identity(requirePrivateKey bool) (*model.Identity, error) {
	user := e.Config.Identity.User
	if user == "" {
		return nil, errors.New("no identity configured: set identity.user or --user")
	}
	dir := e.Config.Identity.KeyDir
	publicPath := filepath.Join(dir, user+keyfile.PublicKeySuffix)
	privatePath := keyfile.FindPrivateKey(dir, user)
	if privatePath == "" && requirePrivateKey {
		return nil, fmt.Errorf("no private key for %s in %s: %w", user, dir, model.ErrIdentityIncomplete)
	}

	passphrase := keyfile.TerminalPassphrase("Passphrase for " + user + ": ")
	if secret, ok := os.LookupEnv(EnvPassphrase); ok {
		passphrase = keyfile.StaticPassphrase(secret)
	}
	id, err := keyfile.ReadIdentity(publicPath, privatePath, passphrase)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug("[Bootstrap] Loaded identity",
		zap.String("user", id.Username),
		zap.String("fingerprint", id.Fingerprint()),
		zap.Bool("private_key", id.HasPrivateKey()))
	return id, nil
}

// Advertiser 按配置组装查询后端：etcd 在前，静态表在后
func (e *Env) Advertiser() (store.Advertiser, error) {
	d := e.Config.Discovery
	var chain store.Chain
	if len(d.EtcdEndpoints) > 0 {
		etcd, err := store.NewEtcdAdvertiser(d.EtcdEndpoints, e.Logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, etcd.Close)
		chain = append(chain, etcd)
	}
	if len(d.Static) > 0 {
		static := store.NewStaticAdvertiser()
		for key, locations := range d.Static {
			static.Set(key, locations...)
		}
		chain = append(chain, static)
	}
	switch len(chain) {
	case 0:
		return nil, errors.New("no discovery backend configured: set discovery.etcd_endpoints or discovery.static")
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

// Explib 发现与节点通信客户端
func (e *Env) Explib(adv store.Advertiser) (*explib.Client, error) {
	return explib.New(explib.Options{
		Advertiser:       adv,
		Timeout:          e.Config.Node.Timeout,
		MaxLookupResults: e.Config.Discovery.MaxResults,
		Concurrency:      e.Config.Node.Concurrency,
		Logger:           e.Logger,
	})
}

// Broker broker 客户端，返回的 vessel 位置写入 sink (可为 nil)
func (e *Env) Broker(id *model.Identity, sink broker.LocationSink) (*broker.Client, error) {
	if e.Config.Broker.URL == "" {
		return nil, errors.New("no broker configured: set broker.url")
	}
	opts := []broker.Option{
		broker.WithLogger(e.Logger),
		broker.WithTimeout(e.Config.Broker.Timeout),
	}
	if sink != nil {
		opts = append(opts, broker.WithLocationSink(sink))
	}
	return broker.New(e.Config.Broker.URL, id, opts...)
}
