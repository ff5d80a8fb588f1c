package overlord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"overlord/internal/broker"
	"overlord/internal/broker/brokertest"
	"overlord/internal/clock"
	"overlord/internal/explib"
	"overlord/internal/nodeman/nodetest"
	"overlord/pkg/model"
	"overlord/pkg/store"
)

type fixture struct {
	identity *model.Identity
	broker   *brokertest.Server
	client   *broker.Client
	explib   *explib.Client
	nodes    []*nodetest.Node
	clock    *clock.Fake
	logs     *observer.ObservedLogs
	logger   *zap.Logger
	program  string
	stopFile string
}

// newFixture 启动 broker 和两个节点，每个节点上 perNode 个归 alice 所有的 wan vessel
func newFixture(t *testing.T, perNode int) *fixture {
	t.Helper()
	id, err := model.GenerateIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	core, logs := observer.New(zapcore.DebugLevel)

	adv := store.NewStaticAdvertiser()
	ex, err := explib.New(explib.Options{Advertiser: adv, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	srv := brokertest.Start(t)
	srv.Register(id)
	bc, err := broker.New(srv.URL, id, broker.WithLocationSink(ex), broker.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	program := filepath.Join(dir, "echo.repy")
	if err := os.WriteFile(program, []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		identity: id,
		broker:   srv,
		client:   bc,
		explib:   ex,
		clock:    clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		logs:     logs,
		logger:   zap.New(core),
		program:  program,
		stopFile: filepath.Join(dir, "stop"),
	}
	for i := 0; i < 2; i++ {
		node := nodetest.Start(t)
		adv.Set(string(node.ID), string(node.Location))
		for j := 1; j <= perNode; j++ {
			name := fmt.Sprintf("v%d", j)
			node.AddVessel(nodetest.Vessel{Name: name, OwnerKey: id.PublicKeyString()})
			srv.AddAvailable(model.VesselTypeWAN, brokertest.NewVessel(node.ID, node.Location, name))
		}
		f.nodes = append(f.nodes, node)
	}
	return f
}

func (f *fixture) config(count int) Config {
	return Config{
		Identity:    f.identity,
		Count:       count,
		Type:        model.VesselTypeWAN,
		ProgramPath: f.program,
		Args:        []string{"--verbose"},
		StopFile:    f.stopFile,
	}
}

func (f *fixture) deps() Deps {
	return Deps{Broker: f.client, Vessels: f.explib, Clock: f.clock, Logger: f.logger}
}

func (f *fixture) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(context.Background(), cfg, f.deps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// vessel 找到 handle 对应的假节点 vessel
func (f *fixture) vessel(t *testing.T, h model.VesselHandle) nodetest.Vessel {
	t.Helper()
	for _, n := range f.nodes {
		if n.ID == h.NodeID() {
			v, ok := n.Vessel(h.Name())
			if !ok {
				t.Fatalf("vessel %s is gone", h)
			}
			return v
		}
	}
	t.Fatalf("no node for %s", h)
	return nodetest.Vessel{}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, 1)
	f.broker.SetMaxVessels(3)

	noKey := *f.identity
	noKey.PrivateKey = nil

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown type", func(c *Config) { c.Type = "satellite" }},
		{"missing program", func(c *Config) { c.ProgramPath = filepath.Join(t.TempDir(), "nope.repy") }},
		{"program is a directory", func(c *Config) { c.ProgramPath = t.TempDir() }},
		{"count above credits", func(c *Config) { c.Count = 4 }},
		{"negative count", func(c *Config) { c.Count = -1 }},
		{"no private key", func(c *Config) { c.Identity = &noKey }},
		{"no identity", func(c *Config) { c.Identity = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.config(2)
			tt.modify(&cfg)
			_, err := New(context.Background(), cfg, f.deps())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := New(context.Background(), f.config(1), Deps{Vessels: f.explib}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing broker: got %v", err)
	}
}

func TestNewReleasesPreallocatedVessels(t *testing.T) {
	f := newFixture(t, 2)
	if _, err := f.client.AcquireVessels(context.Background(), model.VesselTypeWAN, 2); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.stopFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	c := f.controller(t, f.config(4))

	if held := f.broker.Acquired(); len(held) != 0 {
		t.Errorf("still holding %v after startup", held)
	}
	if len(c.Owned()) != 0 {
		t.Errorf("owned = %v", c.Owned())
	}
	if _, err := os.Stat(f.stopFile); !os.IsNotExist(err) {
		t.Error("stale stop file was not removed")
	}
	if c.UserPort() != 63100 {
		t.Errorf("user port %d", c.UserPort())
	}
}

// keepStartup 只替换启动步骤，其余沿用默认
type keepStartup struct {
	DefaultStrategy
	evictions int
}

func (keepStartup) Startup(context.Context, *Controller) error { return nil }

func (s *keepStartup) Evict(ctx context.Context, c *Controller, owned []model.VesselHandle) []model.VesselHandle {
	s.evictions++
	return s.DefaultStrategy.Evict(ctx, c, owned)
}

func TestCustomStartupKeepsAndRenewsVessels(t *testing.T) {
	f := newFixture(t, 2)
	held, err := f.client.AcquireVessels(context.Background(), model.VesselTypeWAN, 2)
	if err != nil {
		t.Fatal(err)
	}

	strategy := &keepStartup{}
	deps := f.deps()
	deps.Strategy = strategy
	c, err := New(context.Background(), f.config(2), deps)
	if err != nil {
		t.Fatal(err)
	}

	if len(c.Owned()) != 2 {
		t.Fatalf("owned = %v, want the 2 pre-allocated vessels", c.Owned())
	}
	for _, h := range held {
		// 直接通过客户端申请不会续期，这一次来自 New
		if n := f.broker.Renewals(h); n != 1 {
			t.Errorf("%s renewed %d times", h, n)
		}
	}

	// 预分配的 vessel 还没有运行，默认 Evict 会把它们释放
	c.iterate(context.Background())
	if strategy.evictions != 1 {
		t.Errorf("custom Evict ran %d times", strategy.evictions)
	}
	if len(c.Owned()) != 0 {
		t.Errorf("owned after evict = %v", c.Owned())
	}
}

func TestIterationReachesTarget(t *testing.T) {
	f := newFixture(t, 2)
	cfg := f.config(4)
	cfg.AppendUserPort = true
	c := f.controller(t, cfg)

	if !c.iterate(context.Background()) {
		t.Fatalf("not at target after one iteration: %v", c.Owned())
	}

	owned := c.Owned()
	if len(owned) != 4 {
		t.Fatalf("owned %d vessels, want 4", len(owned))
	}
	if held := f.broker.Acquired(); len(held) != 4 {
		t.Errorf("broker shows %d held", len(held))
	}
	if n := f.broker.Calls(broker.PathRelease); n != 0 {
		t.Errorf("%d release calls", n)
	}
	for _, h := range owned {
		v := f.vessel(t, h)
		if v.Status != model.StatusStarted || v.Program != "echo.repy" {
			t.Errorf("%s: status %s program %q", h, v.Status, v.Program)
		}
		if len(v.Args) != 2 || v.Args[0] != "--verbose" || v.Args[1] != "63100" {
			t.Errorf("%s started with %v", h, v.Args)
		}
		if f.broker.Renewals(h) != 1 {
			t.Errorf("%s renewed %d times after acquisition", h, f.broker.Renewals(h))
		}
	}
}

func TestFailedInitializationIsReleased(t *testing.T) {
	f := newFixture(t, 2)
	f.nodes[1].FailStart("v1", "Traceback: division by zero")
	c := f.controller(t, f.config(4))

	if c.iterate(context.Background()) {
		t.Fatal("reported target reached with a failed vessel")
	}

	bad := model.NewVesselHandle(f.nodes[1].ID, "v1")
	owned := c.Owned()
	if len(owned) != 3 {
		t.Fatalf("owned %v, want 3 vessels", owned)
	}
	for _, h := range owned {
		if h == bad {
			t.Errorf("failed vessel %s still owned", bad)
		}
	}
	held := f.broker.Acquired()
	if len(held) != 3 {
		t.Errorf("broker still holds %v", held)
	}

	entries := f.logs.FilterMessage("[Overlord] Vessel failed").All()
	if len(entries) != 1 {
		t.Fatalf("%d failure diagnostics logged", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["vessel"] != string(bad) || fields["log"] != "Traceback: division by zero" {
		t.Errorf("diagnostic fields %v", fields)
	}
	if fields["location"] != string(f.nodes[1].Location) {
		t.Errorf("diagnostic location %v", fields["location"])
	}
}

func TestVesselLogPlaceholders(t *testing.T) {
	f := newFixture(t, 1)
	c := f.controller(t, f.config(1))
	ctx := context.Background()

	h := model.NewVesselHandle(f.nodes[0].ID, "v1")
	if got := c.VesselLog(ctx, h); got != emptyLogPlaceholder {
		t.Errorf("empty log rendered as %q", got)
	}
	f.nodes[0].Close()
	if got := c.VesselLog(ctx, h); got != missingLogPlaceholder {
		t.Errorf("unreachable log rendered as %q", got)
	}
}

func TestEvictReleasesStoppedVessels(t *testing.T) {
	f := newFixture(t, 3)
	c := f.controller(t, f.config(4))
	ctx := context.Background()
	if !c.iterate(ctx) {
		t.Fatal("first iteration did not reach the target")
	}

	stopped := c.Owned()[0]
	f.vesselNode(stopped).SetStatus(stopped.Name(), model.StatusStopped)

	c.owned = c.strategy.Evict(ctx, c, c.Owned())
	if len(c.owned) != 3 {
		t.Fatalf("owned %v after evict", c.owned)
	}
	for _, h := range f.broker.Acquired() {
		if h == stopped {
			t.Error("stopped vessel was not released")
		}
	}

	// 下一轮补足
	if !c.iterate(ctx) {
		t.Errorf("replacement not acquired: %v", c.Owned())
	}
}

func (f *fixture) vesselNode(h model.VesselHandle) *nodetest.Node {
	for _, n := range f.nodes {
		if n.ID == h.NodeID() {
			return n
		}
	}
	return nil
}

func TestAcquireFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 1)
	c := f.controller(t, f.config(3))

	if c.iterate(context.Background()) {
		t.Fatal("target reached with only 2 vessels available")
	}
	if len(c.Owned()) != 0 || len(f.broker.Acquired()) != 0 {
		t.Errorf("partial acquisition: owned %v held %v", c.Owned(), f.broker.Acquired())
	}
	if len(f.logs.FilterMessage("[Overlord] Error while acquiring vessels").All()) != 1 {
		t.Error("acquisition failure was not logged")
	}
}

func TestMaintainRenewsAfterInterval(t *testing.T) {
	f := newFixture(t, 1)
	cfg := f.config(2)
	cfg.RenewalInterval = time.Hour
	c := f.controller(t, cfg)
	ctx := context.Background()
	c.iterate(ctx)

	h := c.Owned()[0]
	before := f.broker.Renewals(h)

	f.clock.Advance(30 * time.Minute)
	c.iterate(ctx)
	if f.broker.Renewals(h) != before {
		t.Error("renewed before the interval elapsed")
	}

	f.clock.Advance(31 * time.Minute)
	c.iterate(ctx)
	if f.broker.Renewals(h) != before+1 {
		t.Errorf("renewals %d, want %d", f.broker.Renewals(h), before+1)
	}
	if !c.lastRenewal.Equal(f.clock.Now()) {
		t.Errorf("last renewal %v, want %v", c.lastRenewal, f.clock.Now())
	}
}

func TestRunStopsOnStopFile(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.config(4))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	// 第一轮达到目标后进入睡眠
	f.clock.WaitForTimers(1)
	if err := os.WriteFile(f.stopFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(DefaultPollInterval)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if n := f.broker.Calls(broker.PathAcquire); n != 1 {
		t.Errorf("%d acquire calls, want 1", n)
	}
	if n := f.broker.Calls(broker.PathRelease); n != 0 {
		t.Errorf("%d release calls", n)
	}
	if held := f.broker.Acquired(); len(held) != 4 {
		t.Errorf("broker holds %d vessels after stop", len(held))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1)
	c := f.controller(t, f.config(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	f.clock.WaitForTimers(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
