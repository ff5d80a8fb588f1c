package store

import (
	"context"
	"errors"
	"net"
	"net/url"
	"reflect"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
)

// startEtcd 在临时目录里起一个单节点 etcd，返回客户端地址
func startEtcd(t *testing.T) string {
	t.Helper()
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"

	clientURL := freeURL(t)
	peerURL := freeURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("starting etcd: %v", err)
	}
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd did not become ready")
	}
	return clientURL.Host
}

func freeURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return url.URL{Scheme: "http", Host: addr}
}

func newEtcdAdvertiser(t *testing.T) *EtcdAdvertiser {
	t.Helper()
	adv, err := NewEtcdAdvertiser([]string{startEtcd(t)}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { adv.Close() })
	return adv
}

func TestEtcdAdvertiserLookup(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded etcd")
	}
	ctx := context.Background()
	adv := newEtcdAdvertiser(t)

	// 按广播顺序写入，查询应当最新的在前
	for _, loc := range []string{"10.0.0.1:1224", "10.0.0.2:1224", "10.0.0.3:1224"} {
		if err := adv.Advertise(ctx, "node-a", loc, time.Minute); err != nil {
			t.Fatalf("Advertise(%s): %v", loc, err)
		}
	}
	// 前缀 node-a/ 不能匹配到 node-ab 的广播
	if err := adv.Advertise(ctx, "node-ab", "10.0.0.9:1224", time.Minute); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		key  string
		max  int
		want []string
	}{
		{"newest first", "node-a", 0, []string{"10.0.0.3:1224", "10.0.0.2:1224", "10.0.0.1:1224"}},
		{"bounded", "node-a", 2, []string{"10.0.0.3:1224", "10.0.0.2:1224"}},
		{"single", "node-a", 1, []string{"10.0.0.3:1224"}},
		{"sibling key", "node-ab", 0, []string{"10.0.0.9:1224"}},
		{"unknown key", "node-b", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := adv.Lookup(ctx, tt.key, tt.max)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Lookup = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEtcdAdvertiserWithdraw(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded etcd")
	}
	ctx := context.Background()
	adv := newEtcdAdvertiser(t)

	for _, loc := range []string{"h1:1", "h2:2"} {
		if err := adv.Advertise(ctx, "key", loc, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if err := adv.Withdraw(ctx, "key", "h2:2"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	got, err := adv.Lookup(ctx, "key", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"h1:1"}) {
		t.Errorf("Lookup after withdraw = %v", got)
	}

	// 撤回不存在的位置不是错误
	if err := adv.Withdraw(ctx, "key", "h9:9"); err != nil {
		t.Errorf("Withdraw of unknown location: %v", err)
	}
}

func TestEtcdAdvertiserRejectsInvalidKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded etcd")
	}
	ctx := context.Background()
	adv := newEtcdAdvertiser(t)

	tests := []struct {
		name     string
		key      string
		location string
	}{
		{"empty key", "", "h:1"},
		{"slash in key", "bad/key", "h:1"},
		{"empty location", "key", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := adv.Advertise(ctx, tt.key, tt.location, time.Minute); !errors.Is(err, ErrInvalidAdvert) {
				t.Errorf("Advertise: err = %v, want ErrInvalidAdvert", err)
			}
			if err := adv.Withdraw(ctx, tt.key, tt.location); !errors.Is(err, ErrInvalidAdvert) {
				t.Errorf("Withdraw: err = %v, want ErrInvalidAdvert", err)
			}
		})
	}
	if _, err := adv.Lookup(ctx, "bad/key", 0); !errors.Is(err, ErrInvalidAdvert) {
		t.Errorf("Lookup: err = %v, want ErrInvalidAdvert", err)
	}
}

func TestEtcdAdvertiserLookupFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded etcd")
	}
	adv := newEtcdAdvertiser(t)
	adv.Close()

	if _, err := adv.Lookup(context.Background(), "key", 0); err == nil {
		t.Error("lookup on a closed client succeeded")
	}
}
