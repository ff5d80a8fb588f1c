package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"overlord/internal/bootstrap"
	"overlord/internal/config"
	"overlord/internal/overlord"
	"overlord/pkg/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "overlord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 参数与配置，命令行显式给出的值覆盖配置文件
	flags := pflag.NewFlagSet("overlord", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file (default $"+config.EnvConfig+")")
	user := flags.StringP("user", "u", "", "broker username; keys are read from <user>.publickey and <user>.privatekey[.age]")
	keyDir := flags.String("key-dir", "", "directory holding the key files")
	brokerURL := flags.String("broker", "", "resource broker base URL")
	etcd := flags.StringSlice("etcd", nil, "etcd endpoints for node advertisement lookups")
	count := flags.IntP("count", "n", 0, "number of vessels to keep running")
	vesselType := flags.StringP("type", "t", "", "vessel type: wan, lan, nat or rand")
	program := flags.StringP("program", "p", "", "program file to deploy on every vessel")
	args := flags.StringArray("arg", nil, "argument passed to the program (repeatable)")
	appendPort := flags.Bool("append-user-port", false, "append the account's user port to the program arguments")
	poll := flags.Duration("poll", 0, "time between polling loops")
	renew := flags.Duration("renew", 0, "minimum time between vessel renewals")
	stopFile := flags.String("stop-file", "", "graceful shutdown marker file")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	logFile := flags.String("log-file", "", "log to this file instead of stderr")
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
	override := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	override("user", func() { cfg.Identity.User = *user })
	override("key-dir", func() { cfg.Identity.KeyDir = *keyDir })
	override("broker", func() { cfg.Broker.URL = *brokerURL })
	override("etcd", func() { cfg.Discovery.EtcdEndpoints = *etcd })
	override("count", func() { cfg.Overlord.Count = *count })
	override("type", func() { cfg.Overlord.Type = model.VesselType(*vesselType) })
	override("program", func() { cfg.Overlord.Program = *program })
	override("arg", func() { cfg.Overlord.Args = *args })
	override("append-user-port", func() { cfg.Overlord.AppendUserPort = *appendPort })
	override("poll", func() { cfg.Overlord.PollInterval = *poll })
	override("renew", func() { cfg.Overlord.RenewalInterval = *renew })
	override("stop-file", func() { cfg.Overlord.StopFile = *stopFile })
	override("log-level", func() { cfg.Log.Level = *logLevel })
	override("log-file", func() { cfg.Log.File = *logFile })
	if err := cfg.ValidateOverlord(); err != nil {
		return err
	}
	// 上传程序可能较慢
	cfg.Node.Timeout = cfg.Overlord.NodeTimeout

	env, err := bootstrap.Setup(cfg)
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.Logger

	// 2. 依赖装配
	identity, err := env.Identity(true)
	if err != nil {
		return err
	}
	adv, err := env.Advertiser()
	if err != nil {
		return err
	}
	vessels, err := env.Explib(adv)
	if err != nil {
		return err
	}
	brokerClient, err := env.Broker(identity, vessels)
	if err != nil {
		return err
	}

	// 3. SIGINT/SIGTERM 取消 context，stop 文件则在下一轮开始前生效
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl, err := overlord.New(ctx, overlord.Config{
		Identity:        identity,
		Count:           cfg.Overlord.Count,
		Type:            cfg.Overlord.Type,
		ProgramPath:     cfg.Overlord.Program,
		Args:            cfg.Overlord.Args,
		AppendUserPort:  cfg.Overlord.AppendUserPort,
		PollInterval:    cfg.Overlord.PollInterval,
		RenewalInterval: cfg.Overlord.RenewalInterval,
		StopFile:        cfg.Overlord.StopFile,
		Concurrency:     cfg.Node.Concurrency,
	}, overlord.Deps{
		Broker:  brokerClient,
		Vessels: vessels,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info("[Overlord] Performing actions as broker user",
		zap.String("user", identity.Username),
		zap.Int("user_port", ctl.UserPort()))

	if err := ctl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutting down overlord...")
	return nil
}
