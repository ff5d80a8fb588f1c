package broker_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"overlord/internal/broker"
	"overlord/internal/broker/brokertest"
	"overlord/pkg/model"
)

type sink struct {
	mu   sync.Mutex
	seen map[model.NodeID]model.NodeLocation
}

func (s *sink) RememberLocation(nodeID model.NodeID, location model.NodeLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[model.NodeID]model.NodeLocation)
	}
	s.seen[nodeID] = location
}

func setup(t *testing.T, opts ...broker.Option) (*brokertest.Server, *broker.Client, *model.Identity) {
	t.Helper()
	srv := brokertest.Start(t)
	id, err := model.GenerateIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	srv.Register(id)
	client, err := broker.New(srv.URL, id, append([]broker.Option{broker.WithTimeout(2 * time.Second)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return srv, client, id
}

func vessels(prefix string, n int) []broker.Vessel {
	out := make([]broker.Vessel, 0, n)
	for i := 0; i < n; i++ {
		node := model.NodeID(prefix + string(rune('a'+i)))
		out = append(out, brokertest.NewVessel(node, model.NodeLocation("10.0.0.1:"+string(rune('1'+i))+"000"), "v1"))
	}
	return out
}

func TestNewRequiresCompleteIdentity(t *testing.T) {
	id, err := model.GenerateIdentity("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := broker.New("http://127.0.0.1:1", id); !errors.Is(err, model.ErrIdentityIncomplete) {
		t.Errorf("missing username: got %v", err)
	}
	id.Username = "bob"
	id.PrivateKey = nil
	if _, err := broker.New("http://127.0.0.1:1", id); !errors.Is(err, model.ErrIdentityIncomplete) {
		t.Errorf("missing private key: got %v", err)
	}
}

func TestAcquireZeroSendsNothing(t *testing.T) {
	srv, client, _ := setup(t)
	got, err := client.AcquireVessels(context.Background(), model.VesselTypeWAN, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want an empty list", got)
	}
	if n := srv.Calls(broker.PathAcquire); n != 0 {
		t.Errorf("broker saw %d acquire requests", n)
	}
}

func TestAcquireRejectsBadArguments(t *testing.T) {
	srv, client, _ := setup(t)
	ctx := context.Background()
	if _, err := client.AcquireVessels(ctx, "satellite", 1); !errors.Is(err, broker.ErrBrokerInvalidRequest) {
		t.Errorf("unknown type: got %v", err)
	}
	if _, err := client.AcquireVessels(ctx, model.VesselTypeLAN, -1); !errors.Is(err, broker.ErrBrokerInvalidRequest) {
		t.Errorf("negative count: got %v", err)
	}
	if n := srv.Calls(broker.PathAcquire); n != 0 {
		t.Errorf("broker saw %d acquire requests", n)
	}
}

func TestAcquireRememberLocations(t *testing.T) {
	s := &sink{}
	srv, client, _ := setup(t, broker.WithLocationSink(s))
	pool := vessels("node-", 3)
	srv.AddAvailable(model.VesselTypeWAN, pool...)

	got, err := client.AcquireVessels(context.Background(), model.VesselTypeWAN, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != pool[0].Handle || got[1] != pool[1].Handle {
		t.Fatalf("acquired %v", got)
	}
	for _, v := range pool[:2] {
		if loc := s.seen[v.NodeID]; loc != v.Location() {
			t.Errorf("sink has %q for %s, want %q", loc, v.NodeID, v.Location())
		}
	}
	if _, ok := s.seen[pool[2].NodeID]; ok {
		t.Error("sink learned a vessel that was not acquired")
	}
}

func TestAcquireAllOrNothing(t *testing.T) {
	srv, client, _ := setup(t)
	srv.AddAvailable(model.VesselTypeNAT, vessels("nat-", 2)...)

	_, err := client.AcquireVessels(context.Background(), model.VesselTypeNAT, 3)
	if !errors.Is(err, broker.ErrUnableToAcquire) || !errors.Is(err, broker.ErrBroker) {
		t.Fatalf("got %v, want unable to acquire", err)
	}
	if held := srv.Acquired(); len(held) != 0 {
		t.Errorf("partial acquisition left %v held", held)
	}
}

func TestAcquireBeyondCredits(t *testing.T) {
	srv, client, _ := setup(t)
	srv.SetMaxVessels(1)
	srv.AddAvailable(model.VesselTypeLAN, vessels("lan-", 2)...)

	_, err := client.AcquireVessels(context.Background(), model.VesselTypeLAN, 2)
	if !errors.Is(err, broker.ErrNotEnoughCredits) {
		t.Fatalf("got %v, want not enough credits", err)
	}
	var be *broker.Error
	if !errors.As(err, &be) || be.Status != http.StatusPaymentRequired {
		t.Errorf("error %#v has the wrong status", be)
	}
}

func TestAcquireSpecificPartial(t *testing.T) {
	srv, client, _ := setup(t)
	pool := vessels("wan-", 2)
	srv.AddAvailable(model.VesselTypeWAN, pool...)

	want := []model.VesselHandle{pool[1].Handle, "missing:v9"}
	got, err := client.AcquireSpecificVessels(context.Background(), want)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != pool[1].Handle {
		t.Errorf("acquired %v, want only %s", got, pool[1].Handle)
	}
}

func TestAcquireSpecificRejectsMalformedHandle(t *testing.T) {
	srv, client, _ := setup(t)
	_, err := client.AcquireSpecificVessels(context.Background(), []model.VesselHandle{"no-colon"})
	if !errors.Is(err, broker.ErrBrokerInvalidRequest) || !errors.Is(err, model.ErrInvalidHandle) {
		t.Errorf("got %v", err)
	}
	if srv.Calls(broker.PathAcquireSpecific) != 0 {
		t.Error("malformed handle reached the broker")
	}
}

func TestReleaseRenewAndListing(t *testing.T) {
	srv, client, _ := setup(t)
	pool := vessels("wan-", 3)
	srv.AddAvailable(model.VesselTypeWAN, pool...)
	ctx := context.Background()

	got, err := client.AcquireVessels(ctx, model.VesselTypeWAN, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.RenewVessels(ctx, got); err != nil {
		t.Fatal(err)
	}
	for _, h := range got {
		if srv.Renewals(h) != 1 {
			t.Errorf("%s renewed %d times", h, srv.Renewals(h))
		}
	}
	if err := client.ReleaseVessels(ctx, got[:1]); err != nil {
		t.Fatal(err)
	}

	details, err := client.AcquiredVesselDetails(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(details) != 2 {
		t.Fatalf("still holding %d vessels, want 2", len(details))
	}
	for _, d := range details {
		if d.Handle == got[0] {
			t.Errorf("released vessel %s still listed", d.Handle)
		}
		if d.ExpiresInSeconds != brokertest.DefaultLifetime {
			t.Errorf("%s expires in %d", d.Handle, d.ExpiresInSeconds)
		}
		if d.Location.Validate() != nil || d.Name != "v1" {
			t.Errorf("bad dict %+v", d)
		}
	}

	handles, err := client.AcquiredVessels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 2 {
		t.Errorf("AcquiredVessels returned %v", handles)
	}
}

func TestRenewUnheldVessel(t *testing.T) {
	_, client, _ := setup(t)
	err := client.RenewVessels(context.Background(), []model.VesselHandle{"node:v1"})
	if !errors.Is(err, broker.ErrBrokerInvalidRequest) {
		t.Errorf("got %v, want invalid request", err)
	}
}

func TestEmptyListsSendNothing(t *testing.T) {
	srv, client, _ := setup(t)
	ctx := context.Background()
	if err := client.RenewVessels(ctx, nil); err != nil {
		t.Error(err)
	}
	if err := client.ReleaseVessels(ctx, []model.VesselHandle{}); err != nil {
		t.Error(err)
	}
	if srv.Calls(broker.PathRenew)+srv.Calls(broker.PathRelease) != 0 {
		t.Error("empty lists reached the broker")
	}
}

func TestAuthenticationFailure(t *testing.T) {
	srv := brokertest.Start(t)
	id, err := model.GenerateIdentity("mallory")
	if err != nil {
		t.Fatal(err)
	}
	client, err := broker.New(srv.URL, id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.AccountInfo(context.Background())
	if !errors.Is(err, broker.ErrBrokerAuthentication) {
		t.Errorf("got %v, want authentication failure", err)
	}
}

func TestSkewedClockRejected(t *testing.T) {
	_, client, _ := setup(t, broker.WithClock(func() time.Time {
		return time.Now().Add(-time.Hour)
	}))
	if _, err := client.AccountInfo(context.Background()); !errors.Is(err, broker.ErrBrokerAuthentication) {
		t.Errorf("got %v, want authentication failure", err)
	}
}

func TestCommunicationFailure(t *testing.T) {
	srv, client, _ := setup(t)
	srv.Close()
	_, err := client.AcquiredVessels(context.Background())
	if !errors.Is(err, broker.ErrBrokerCommunication) {
		t.Errorf("got %v, want communication failure", err)
	}
}

func TestInternalErrorKind(t *testing.T) {
	srv, client, _ := setup(t)
	srv.FailNext(broker.PathResources, http.StatusInternalServerError, broker.ErrBrokerInternal, "database down")
	_, err := client.AcquiredVessels(context.Background())
	if !errors.Is(err, broker.ErrBrokerInternal) {
		t.Fatalf("got %v", err)
	}
	var be *broker.Error
	if errors.As(err, &be) && be.Message != "database down" {
		t.Errorf("message %q", be.Message)
	}
}

func TestUserPortCached(t *testing.T) {
	srv, client, _ := setup(t)
	srv.SetUserPort(12345)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		port, err := client.UserPort(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if port != 12345 {
			t.Fatalf("port %d", port)
		}
	}
	if n := srv.Calls(broker.PathAccount); n != 1 {
		t.Errorf("account fetched %d times, want 1", n)
	}
}

func TestMaxVesselsNotCached(t *testing.T) {
	srv, client, _ := setup(t)
	ctx := context.Background()
	srv.SetMaxVessels(4)
	if n, err := client.MaxVesselsAllowed(ctx); err != nil || n != 4 {
		t.Fatalf("got %d, %v", n, err)
	}
	srv.SetMaxVessels(7)
	if n, err := client.MaxVesselsAllowed(ctx); err != nil || n != 7 {
		t.Errorf("got %d, %v after the limit changed", n, err)
	}
}
