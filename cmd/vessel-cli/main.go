package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"overlord/internal/bootstrap"
	"overlord/internal/broker"
	"overlord/internal/config"
	"overlord/internal/explib"
	"overlord/pkg/model"
	"overlord/pkg/store"
)

type runFunc func(ctx context.Context, c *cli, args []string) error

// command 子命令。setup 注册子命令自己的参数，返回的闭包在解析完成后执行
type command struct {
	name  string
	args  string
	help  string
	setup func(fs *pflag.FlagSet) runFunc
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := findCommand(os.Args[1])
	if !ok {
		fmt.Fprintf(os.Stderr, "vessel-cli: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err := execute(cmd, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "❌ vessel-cli %s: %v\n", cmd.name, err)
		os.Exit(1)
	}
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vessel-cli <command> [flags] [args]")
	fmt.Fprintln(os.Stderr)
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %-28s %s\n", cmd.name, cmd.args, cmd.help)
	}
}

func execute(cmd command, argv []string) error {
	// 1. 公共参数 + 子命令参数
	fs := pflag.NewFlagSet("vessel-cli "+cmd.name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: vessel-cli %s [flags] %s\n\n%s\n\n", cmd.name, cmd.args, cmd.help)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "YAML config file (default $"+config.EnvConfig+")")
	user := fs.StringP("user", "u", "", "identity used for lookups and signed requests")
	keyDir := fs.String("key-dir", "", "directory holding the key files")
	etcd := fs.StringSlice("etcd", nil, "etcd endpoints for node advertisement lookups")
	brokerURL := fs.String("broker", "", "resource broker base URL")
	timeout := fs.Duration("timeout", 0, "per-node call timeout")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	run := cmd.setup(fs)
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// 2. 配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if fs.Changed("user") {
		cfg.Identity.User = *user
	}
	if fs.Changed("key-dir") {
		cfg.Identity.KeyDir = *keyDir
	}
	if fs.Changed("etcd") {
		cfg.Discovery.EtcdEndpoints = *etcd
	}
	if fs.Changed("broker") {
		cfg.Broker.URL = *brokerURL
	}
	if fs.Changed("timeout") {
		cfg.Node.Timeout = *timeout
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	} else if cfg.Log.File == "" {
		// 命令行工具默认只在 stderr 上输出警告
		cfg.Log.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	env, err := bootstrap.Setup(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, &cli{env: env, cfg: cfg}, fs.Args())
}

// cli 按需构造各子命令用到的依赖，同一进程内只构造一次
type cli struct {
	env *bootstrap.Env
	cfg *config.Config

	identities map[bool]*model.Identity
	adv        store.Advertiser
	explib     *explib.Client
}

func (c *cli) identity(requirePrivateKey bool) (*model.Identity, error) {
	if id, ok := c.identities[requirePrivateKey]; ok {
		return id, nil
	}
	id, err := c.env.Identity(requirePrivateKey)
	if err != nil {
		return nil, err
	}
	if c.identities == nil {
		c.identities = make(map[bool]*model.Identity)
	}
	c.identities[requirePrivateKey] = id
	return id, nil
}

func (c *cli) advertiser() (store.Advertiser, error) {
	if c.adv == nil {
		adv, err := c.env.Advertiser()
		if err != nil {
			return nil, err
		}
		c.adv = adv
	}
	return c.adv, nil
}

func (c *cli) client() (*explib.Client, error) {
	if c.explib == nil {
		adv, err := c.advertiser()
		if err != nil {
			return nil, err
		}
		client, err := c.env.Explib(adv)
		if err != nil {
			return nil, err
		}
		c.explib = client
	}
	return c.explib, nil
}

func (c *cli) broker() (*broker.Client, error) {
	id, err := c.identity(true)
	if err != nil {
		return nil, err
	}
	// 没有配置广播后端时 broker 返回的位置无处缓存，直接忽略
	var sink broker.LocationSink
	if c.cfg.HasDiscovery() {
		client, err := c.client()
		if err != nil {
			return nil, err
		}
		sink = client
	}
	return c.env.Broker(id, sink)
}

// forEach 并发对每个 vessel 执行 fn，按输入顺序打印结果
// 信号量限制同时进行的节点调用数，任一失败时返回汇总错误
func (c *cli) forEach(ctx context.Context, handles []model.VesselHandle, fn func(ctx context.Context, h model.VesselHandle) (string, error)) error {
	results := make([]string, len(handles))
	errs := make([]error, len(handles))

	var wg sync.WaitGroup
	wg.Add(len(handles))
	sem := make(chan struct{}, c.cfg.Node.Concurrency)

	for i, h := range handles {
		sem <- struct{}{} // 获取令牌
		go func(i int, h model.VesselHandle) {
			defer func() {
				<-sem // 释放令牌
				wg.Done()
			}()
			results[i], errs[i] = fn(ctx, h)
		}(i, h)
	}
	wg.Wait()

	failed := 0
	for i, h := range handles {
		if errs[i] != nil {
			failed++
			fmt.Printf("❌ %s: %v\n", h, errs[i])
			continue
		}
		fmt.Printf("%s: %s\n", h, results[i])
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d vessels failed", failed, len(handles))
	}
	return nil
}

func parseHandles(args []string) ([]model.VesselHandle, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one vessel handle is required")
	}
	handles := make([]model.VesselHandle, 0, len(args))
	for _, a := range args {
		handles = append(handles, model.VesselHandle(a))
	}
	if err := model.ValidateHandles(handles); err != nil {
		return nil, err
	}
	return handles, nil
}

func exactArgs(args []string, n int, what string) error {
	if len(args) != n {
		return fmt.Errorf("expected %s", what)
	}
	return nil
}
