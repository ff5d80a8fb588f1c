package nodeman_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"overlord/internal/nodeman"
	"overlord/internal/nodeman/nodetest"
	"overlord/pkg/model"
)

func newIdentity(t *testing.T, name string) *model.Identity {
	t.Helper()
	id, err := model.GenerateIdentity(name)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSignedFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	node := nodetest.Start(t)
	owner := newIdentity(t, "alice")
	node.AddVessel(nodetest.Vessel{Name: "v1", OwnerKey: owner.PublicKeyString()})

	h, err := nodeman.NewHandle(node.Location, owner)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("some program text\n")
	if err := h.AddFile(ctx, "v1", "prog.r2py", content); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	names, err := h.ListFiles(ctx, "v1")
	if err != nil || len(names) != 1 || names[0] != "prog.r2py" {
		t.Fatalf("ListFiles = %v, %v", names, err)
	}
	got, err := h.RetrieveFile(ctx, "v1", "prog.r2py")
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("RetrieveFile = %q, want %q", got, content)
	}

	if err := h.StartVessel(ctx, "v1", "prog.r2py", []string{"--port", "63100"}); err != nil {
		t.Fatalf("StartVessel: %v", err)
	}
	v, _ := node.Vessel("v1")
	if v.Status != model.StatusStarted || len(v.Args) != 2 {
		t.Errorf("vessel after start = %+v", v)
	}
}

func TestGetVesselsIsPublic(t *testing.T) {
	node := nodetest.Start(t)
	node.AddVessel(nodetest.Vessel{Name: "v1", Status: model.StatusStarted})

	h, err := nodeman.NewHandle(node.Location, nil)
	if err != nil {
		t.Fatal(err)
	}
	info, err := h.GetVessels(context.Background())
	if err != nil {
		t.Fatalf("GetVessels: %v", err)
	}
	if info.NodeKey != string(node.ID) || info.Version != nodeman.ProtocolVersion {
		t.Errorf("unexpected node info %+v", info)
	}
	if info.Vessels["v1"].Status != string(model.StatusStarted) {
		t.Errorf("v1 = %+v", info.Vessels["v1"])
	}
}

func TestAnonymousHandleRefusesSignedActions(t *testing.T) {
	node := nodetest.Start(t)
	node.AddVessel(nodetest.Vessel{Name: "v1"})
	h, _ := nodeman.NewHandle(node.Location, nil)

	err := h.StopVessel(context.Background(), "v1")
	if !errors.Is(err, nodeman.ErrUnsigned) {
		t.Errorf("err = %v, want ErrUnsigned", err)
	}
	if node.Calls(nodeman.ActionStopVessel) != 0 {
		t.Error("anonymous signed action reached the node")
	}
}

func TestUnauthorizedIdentityIsRejectedRemotely(t *testing.T) {
	node := nodetest.Start(t)
	owner := newIdentity(t, "alice")
	user := newIdentity(t, "bob")
	stranger := newIdentity(t, "mallory")
	node.AddVessel(nodetest.Vessel{
		Name:     "v1",
		OwnerKey: owner.PublicKeyString(),
		UserKeys: []string{user.PublicKeyString()},
		Log:      "started\n",
	})
	ctx := context.Background()

	h, _ := nodeman.NewHandle(node.Location, stranger)
	if _, err := h.ReadVesselLog(ctx, "v1"); !nodeman.IsRemote(err) {
		t.Errorf("stranger ReadVesselLog err = %v, want remote rejection", err)
	}

	h, _ = nodeman.NewHandle(node.Location, user)
	if out, err := h.ReadVesselLog(ctx, "v1"); err != nil || out != "started\n" {
		t.Errorf("user ReadVesselLog = %q, %v", out, err)
	}
	if err := h.ChangeUsers(ctx, "v1", nil); !nodeman.IsRemote(err) {
		t.Errorf("user ChangeUsers err = %v, want owner-only rejection", err)
	}
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	node := nodetest.Start(t)
	if err := nodeman.Probe(ctx, node.Location, nodeman.WithTimeout(time.Second)); err != nil {
		t.Errorf("Probe live node: %v", err)
	}

	dead := nodetest.UnreachableLocation(t)
	err := nodeman.Probe(ctx, dead, nodeman.WithTimeout(time.Second))
	if err == nil {
		t.Fatal("Probe of a closed port succeeded")
	}
	if nodeman.IsRemote(err) {
		t.Errorf("transport failure reported as remote error: %v", err)
	}

	node.Close()
	if err := nodeman.Probe(ctx, node.Location, nodeman.WithTimeout(time.Second)); err == nil {
		t.Error("Probe succeeded after node closed")
	}
}
