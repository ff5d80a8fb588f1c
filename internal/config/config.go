// Package config 读取 overlord / vesselmon / vessel-cli 共用的 YAML 配置
//
// 配置文件路径来自 --config 参数或 OVERLORD_CONFIG 环境变量，两者都没有时只使用默认值。
// 命令行参数在加载后覆盖文件里的值
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"overlord/pkg/model"
)

// EnvConfig 配置文件路径的环境变量
const EnvConfig = "OVERLORD_CONFIG"

// Config 全部配置
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Node      NodeConfig      `yaml:"node"`
	Broker    BrokerConfig    `yaml:"broker"`
	Overlord  OverlordConfig  `yaml:"overlord"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Log       LogConfig       `yaml:"log"`
}

// IdentityConfig 密钥文件位置：<key_dir>/<user>.publickey 和 <user>.privatekey[.age]
type IdentityConfig struct {
	User   string `yaml:"user"`
	KeyDir string `yaml:"key_dir"`
}

// DiscoveryConfig 广播查询后端。etcd 和 static 同时配置时按 etcd、static 的顺序查询
type DiscoveryConfig struct {
	EtcdEndpoints []string            `yaml:"etcd_endpoints"`
	Static        map[string][]string `yaml:"static"`
	// MaxResults 单次查询最多返回的位置数
	MaxResults int `yaml:"max_results"`
	// AdvertiseTTL vessel-cli advertise 写入的租约时长
	AdvertiseTTL time.Duration `yaml:"advertise_ttl"`
}

// NodeConfig 节点调用参数，Timeout 同时约束广播查询
type NodeConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type BrokerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type OverlordConfig struct {
	Count           int              `yaml:"count"`
	Type            model.VesselType `yaml:"type"`
	Program         string           `yaml:"program"`
	Args            []string         `yaml:"args"`
	AppendUserPort  bool             `yaml:"append_user_port"`
	PollInterval    time.Duration    `yaml:"poll_interval"`
	RenewalInterval time.Duration    `yaml:"renewal_interval"`
	StopFile        string           `yaml:"stop_file"`
	// NodeTimeout 控制器的节点调用超时，上传程序较慢所以单独配置
	NodeTimeout time.Duration `yaml:"node_timeout"`
}

type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	// Rediscover 重新查找身份下 vessel 的周期
	Rediscover time.Duration `yaml:"rediscover"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File 为空时输出到 stderr
	File string `yaml:"file"`
	// Format console 或 json
	Format string `yaml:"format"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{KeyDir: "."},
		Discovery: DiscoveryConfig{
			MaxResults:   1024 * 1024,
			AdvertiseTTL: 10 * time.Minute,
		},
		Node: NodeConfig{
			Timeout:     10 * time.Second,
			Concurrency: 5,
		},
		Broker: BrokerConfig{Timeout: 30 * time.Second},
		Overlord: OverlordConfig{
			Type:            model.VesselTypeWAN,
			PollInterval:    15 * time.Minute,
			RenewalInterval: 2 * 24 * time.Hour,
			StopFile:        "stop",
			NodeTimeout:     90 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:    300 * time.Second,
			Concurrency: 10,
			Rediscover:  10 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load 按 path、OVERLORD_CONFIG 的顺序找配置文件，都为空时返回默认值
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile 在默认值之上合并配置文件
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandPaths()
	return cfg, nil
}

// expandPaths 展开路径中的 ${HOME} 等环境变量
func (c *Config) expandPaths() {
	c.Identity.KeyDir = os.ExpandEnv(c.Identity.KeyDir)
	c.Overlord.Program = os.ExpandEnv(c.Overlord.Program)
	c.Overlord.StopFile = os.ExpandEnv(c.Overlord.StopFile)
	c.Log.File = os.ExpandEnv(c.Log.File)
}

// Validate 检查所有命令都依赖的字段
func (c *Config) Validate() error {
	var errs []error

	if c.Discovery.MaxResults <= 0 {
		errs = append(errs, errors.New("discovery.max_results must be positive"))
	}
	for key, locations := range c.Discovery.Static {
		for _, loc := range locations {
			if err := model.NodeLocation(loc).Validate(); err != nil {
				errs = append(errs, fmt.Errorf("discovery.static[%s]: %w", key, err))
			}
		}
	}
	if c.Node.Timeout <= 0 {
		errs = append(errs, errors.New("node.timeout must be positive"))
	}
	if c.Node.Concurrency <= 0 {
		errs = append(errs, errors.New("node.concurrency must be positive"))
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Concurrency <= 0 {
		errs = append(errs, errors.New("monitor.interval and monitor.concurrency must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ValidateOverlord 额外检查控制器需要的字段
func (c *Config) ValidateOverlord() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Identity.User == "" {
		errs = append(errs, errors.New("identity.user is required"))
	}
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	}
	if !c.Overlord.Type.Valid() {
		errs = append(errs, fmt.Errorf("overlord.type must be one of wan, lan, nat, rand, got %q", c.Overlord.Type))
	}
	if c.Overlord.Count < 0 {
		errs = append(errs, errors.New("overlord.count must not be negative"))
	}
	if c.Overlord.Program == "" {
		errs = append(errs, errors.New("overlord.program is required"))
	}
	if c.Overlord.NodeTimeout <= 0 {
		errs = append(errs, errors.New("overlord.node_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// HasDiscovery 是否配置了至少一个查询后端
func (c *Config) HasDiscovery() bool {
	return len(c.Discovery.EtcdEndpoints) > 0 || len(c.Discovery.Static) > 0
}
