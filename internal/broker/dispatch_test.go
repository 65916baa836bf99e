package broker

import (
	"context"
	"testing"

	"github.com/zfs-helper/zfs-helper/internal/daemonconfig"
	"github.com/zfs-helper/zfs-helper/internal/policy"
	"github.com/zfs-helper/zfs-helper/internal/proto"
	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

func testServer(t *testing.T, zfsBin string) *Server {
	t.Helper()
	cfg := daemonconfig.Default()
	cfg.ZFSBin = zfsBin
	return &Server{Config: cfg, Runner: zfsrun.New(zfsBin)}
}

func TestHandleMountInvalidDataset(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{}}
	status, _ := s.handleMount(context.Background(), p, "alice", "tank/../etc")
	if status != "INVALID_DATASET" {
		t.Errorf("status = %q, want INVALID_DATASET", status)
	}
}

func TestHandleMountDeniedByPolicy(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{}}
	status, _ := s.handleMount(context.Background(), p, "alice", "tank/home/alice")
	if status != "DENY_POLICY" {
		t.Errorf("status = %q, want DENY_POLICY", status)
	}
}

func TestHandleMountAllowedRunsZFS(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{
		policy.ActionMount: {{Actor: "alice", Pattern: "tank/home/alice"}},
	}}
	status, _ := s.handleMount(context.Background(), p, "alice", "tank/home/alice")
	if status != "OK" {
		t.Errorf("status = %q, want OK", status)
	}
}

func TestHandleUnmountFallsBackToMountList(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{
		policy.ActionMount: {{Actor: "alice", Pattern: "tank/home/alice"}},
	}}
	status, _ := s.handleUnmount(context.Background(), p, "alice", "tank/home/alice")
	if status != "OK" {
		t.Errorf("expected unmount to fall back to mount.list when unmount.list is absent, got %q", status)
	}
}

func TestHandleUnmountUsesOwnListWhenPresent(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{
		policy.ActionMount:   {{Actor: "alice", Pattern: "tank/home/alice"}},
		policy.ActionUnmount: {{Actor: "alice", Pattern: "tank/home/bob"}},
	}}
	status, _ := s.handleUnmount(context.Background(), p, "alice", "tank/home/alice")
	if status != "DENY_POLICY" {
		t.Errorf("expected explicit unmount.list to override mount.list fallback, got %q", status)
	}
}

func TestHandleSnapshotInvalid(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{}
	status, _ := s.handleSnapshot(context.Background(), p, "alice", 1000, "tank/home/alice", false)
	if status != "INVALID_SNAPSHOT" {
		t.Errorf("status = %q, want INVALID_SNAPSHOT", status)
	}
}

func TestHandleDestroyAcceptsSnapshotTarget(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{
		policy.ActionDestroy: {{Actor: "alice", Pattern: "tank/home/alice"}},
	}}
	status, _ := s.handleDestroy(context.Background(), p, "alice", "tank/home/alice@old", false, false)
	if status != "OK" {
		t.Errorf("status = %q, want OK", status)
	}
}

func TestHandleRenameRequiresBothSides(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{
		policy.ActionRenameFrom: {{Actor: "alice", Pattern: "tank/home/alice"}},
	}}
	status, _ := s.handleRename(context.Background(), p, "alice", 1000, "tank/home/alice", "tank/home/alice2")
	if status != "DENY_POLICY_DST" {
		t.Errorf("status = %q, want DENY_POLICY_DST", status)
	}
}

func TestHandleSetpropKeyNotAllowed(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{}
	status, _ := s.handleSetprop(context.Background(), p, "alice", "tank/home/alice", "quota", "10G")
	if status != "DENY_PROP_KEY" {
		t.Errorf("status = %q, want DENY_PROP_KEY", status)
	}
}

func TestHandleSetpropBuiltinValueRule(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{Datasets: map[string][]policy.Rule{
		policy.ActionSetprop: {{Actor: "alice", Pattern: "tank/home/alice"}},
	}}
	status, _ := s.handleSetprop(context.Background(), p, "alice", "tank/home/alice", "canmount", "bogus")
	if status != "DENY_PROP_VALUE" {
		t.Errorf("status = %q, want DENY_PROP_VALUE", status)
	}
}

func TestDispatchBadAction(t *testing.T) {
	s := testServer(t, "/bin/echo")
	p := &policy.Policy{}
	status, _ := s.dispatch(context.Background(), p, proto.Request{Action: "dance"}, "alice", 1000)
	if status != "BAD_ACTION" {
		t.Errorf("status = %q, want BAD_ACTION", status)
	}
}
