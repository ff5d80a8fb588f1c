package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"overlord/internal/bootstrap"
	"overlord/internal/config"
	"overlord/internal/monitor"
	"overlord/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vesselmon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 参数与配置
	flags := pflag.NewFlagSet("vesselmon", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file (default $"+config.EnvConfig+")")
	user := flags.StringP("user", "u", "", "identity whose vessels are watched")
	keyDir := flags.String("key-dir", "", "directory holding the key files")
	etcd := flags.StringSlice("etcd", nil, "etcd endpoints for node advertisement lookups")
	interval := flags.Duration("interval", 0, "time between status checks")
	rediscover := flags.Duration("rediscover", 0, "time between vessel lookups")
	concurrency := flags.Int("concurrency", 0, "parallel status checks per pass")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flags.Changed("user") {
		cfg.Identity.User = *user
	}
	if flags.Changed("key-dir") {
		cfg.Identity.KeyDir = *keyDir
	}
	if flags.Changed("etcd") {
		cfg.Discovery.EtcdEndpoints = *etcd
	}
	if flags.Changed("interval") {
		cfg.Monitor.Interval = *interval
	}
	if flags.Changed("rediscover") {
		cfg.Monitor.Rediscover = *rediscover
	}
	if flags.Changed("concurrency") {
		cfg.Monitor.Concurrency = *concurrency
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	env, err := bootstrap.Setup(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	// 2. 只需要公钥：状态查询不签名
	identity, err := env.Identity(false)
	if err != nil {
		return err
	}
	adv, err := env.Advertiser()
	if err != nil {
		return err
	}
	client, err := env.Explib(adv)
	if err != nil {
		return err
	}

	registry := monitor.NewRegistry(client, monitor.WithLogger(env.Logger))
	defer registry.Close()

	agent, err := watcher.NewAgent(watcher.Config{
		Identity:    identity,
		Rediscover:  cfg.Monitor.Rediscover,
		Interval:    cfg.Monitor.Interval,
		Concurrency: cfg.Monitor.Concurrency,
	}, client, registry, watcher.WithLogger(env.Logger), watcher.WithOutput(os.Stdout))
	if err != nil {
		return err
	}

	// 3. 优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	env.Logger.Info("Shutting down vesselmon...")
	return nil
}
