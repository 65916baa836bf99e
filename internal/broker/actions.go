package broker

import (
	"context"
	"strings"

	"github.com/zfs-helper/zfs-helper/internal/ownership"
	"github.com/zfs-helper/zfs-helper/internal/policy"
	"github.com/zfs-helper/zfs-helper/internal/proto"
	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

// dispatch routes req to the handler for its action, returning the
// (status, info) pair to send back over the wire.
func (s *Server) dispatch(ctx context.Context, p *policy.Policy, req proto.Request, user string, uid int) (status, info string) {
	switch req.Action {
	case policy.ActionMount:
		return s.handleMount(ctx, p, user, req.Dataset)
	case policy.ActionUnmount:
		return s.handleUnmount(ctx, p, user, req.Dataset)
	case policy.ActionSnapshot:
		return s.handleSnapshot(ctx, p, user, uid, req.Target, req.Recursive)
	case "rollback":
		return s.handleRollback(ctx, p, user, req.Snapshot, req.Recursive, req.Force)
	case policy.ActionCreate:
		return s.handleCreate(ctx, p, user, uid, req.Dataset, req.Props)
	case policy.ActionDestroy:
		return s.handleDestroy(ctx, p, user, req.Target, req.Recursive, req.Force)
	case "rename":
		return s.handleRename(ctx, p, user, uid, req.Src, req.Dst)
	case policy.ActionSetprop:
		return s.handleSetprop(ctx, p, user, req.Dataset, req.Key, req.Value)
	case policy.ActionShare:
		return s.handleShare(ctx, p, user, req.Dataset)
	default:
		return "BAD_ACTION", ""
	}
}

func deny(reason string) (string, string) { return reason, "" }

func (s *Server) run(ctx context.Context, args ...string) (string, string) {
	return zfsrun.AllowOrError(s.Runner.Run(ctx, args...))
}

func (s *Server) handleMount(ctx context.Context, p *policy.Policy, user, ds string) (string, string) {
	if !proto.ValidDataset(ds) {
		return deny("INVALID_DATASET")
	}
	if !p.DatasetAllowed(policy.ActionMount, user, ds) {
		return deny("DENY_POLICY")
	}
	return s.run(ctx, "mount", ds)
}

func (s *Server) handleUnmount(ctx context.Context, p *policy.Policy, user, ds string) (string, string) {
	if !proto.ValidDataset(ds) {
		return deny("INVALID_DATASET")
	}
	// A site with no unmount.list at all falls back to the mount list,
	// so services that may mount a dataset may also tear it back down.
	allowed := p.DatasetAllowed(policy.ActionUnmount, user, ds)
	if len(p.Datasets[policy.ActionUnmount]) == 0 {
		allowed = p.DatasetAllowed(policy.ActionMount, user, ds)
	}
	if !allowed {
		return deny("DENY_POLICY")
	}
	return s.run(ctx, "umount", ds)
}

func (s *Server) handleSnapshot(ctx context.Context, p *policy.Policy, user string, uid int, target string, recursive bool) (string, string) {
	if !proto.ValidSnapshot(target) {
		return deny("INVALID_SNAPSHOT")
	}
	ds, snap, _ := strings.Cut(target, "@")
	if !p.DatasetAllowed(policy.ActionSnapshot, user, ds) {
		return deny("DENY_POLICY")
	}
	args := []string{"snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, target)
	res := s.Runner.Run(ctx, args...)
	status, info := zfsrun.AllowOrError(res)
	if res.OK {
		ownership.ApplySnapshot(ctx, s.Runner, ds, snap, uid, recursive)
	}
	return status, info
}

func (s *Server) handleRollback(ctx context.Context, p *policy.Policy, user, snap string, recursive, force bool) (string, string) {
	if !proto.ValidSnapshot(snap) {
		return deny("INVALID_SNAPSHOT")
	}
	ds, _, _ := strings.Cut(snap, "@")
	if !p.DatasetAllowed(policy.ActionRollback, user, ds) {
		return deny("DENY_POLICY")
	}
	args := []string{"rollback"}
	if force {
		args = append(args, "-f")
	}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, snap)
	return s.run(ctx, args...)
}

func (s *Server) handleCreate(ctx context.Context, p *policy.Policy, user string, uid int, ds string, props map[string]string) (string, string) {
	if !proto.ValidDataset(ds) {
		return deny("INVALID_DATASET")
	}
	if !p.DatasetAllowed(policy.ActionCreate, user, ds) {
		return deny("DENY_POLICY")
	}
	args := []string{"create"}
	for k, v := range props {
		args = append(args, "-o", k+"="+v)
	}
	args = append(args, ds)
	res := s.Runner.Run(ctx, args...)
	status, info := zfsrun.AllowOrError(res)
	if res.OK {
		ownership.ApplySingleDataset(ctx, s.Runner, ds, uid)
	}
	return status, info
}

func (s *Server) handleDestroy(ctx context.Context, p *policy.Policy, user, target string, recursive, force bool) (string, string) {
	isDS := proto.ValidDataset(target)
	isSnap := proto.ValidSnapshot(target)
	if !isDS && !isSnap {
		return deny("INVALID_TARGET")
	}
	base, _, _ := strings.Cut(target, "@")
	if !p.DatasetAllowed(policy.ActionDestroy, user, base) {
		return deny("DENY_POLICY")
	}
	args := []string{"destroy"}
	if force {
		args = append(args, "-f")
	}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, target)
	return s.run(ctx, args...)
}

func (s *Server) handleRename(ctx context.Context, p *policy.Policy, user string, uid int, src, dst string) (string, string) {
	if !proto.ValidDataset(src) || !proto.ValidDataset(dst) {
		return deny("INVALID_DATASET")
	}
	if !p.DatasetAllowed(policy.ActionRenameFrom, user, src) {
		return deny("DENY_POLICY_SRC")
	}
	if !p.DatasetAllowed(policy.ActionRenameTo, user, dst) {
		return deny("DENY_POLICY_DST")
	}
	res := s.Runner.Run(ctx, "rename", src, dst)
	status, info := zfsrun.AllowOrError(res)
	if res.OK {
		ownership.ApplyDatasetTree(ctx, s.Runner, dst, uid)
	}
	return status, info
}

func (s *Server) handleSetprop(ctx context.Context, p *policy.Policy, user, ds, key, value string) (string, string) {
	if !policy.PropKeyAllow[key] {
		return deny("DENY_PROP_KEY")
	}
	if !proto.ValidDataset(ds) {
		return deny("INVALID_DATASET")
	}
	if !p.DatasetAllowed(policy.ActionSetprop, user, ds) {
		return deny("DENY_POLICY")
	}
	rules := policy.ParsePropRules(p.SetpropValues)
	if !policy.PropValueAllowed(rules, key, value) {
		return deny("DENY_PROP_VALUE")
	}
	return s.run(ctx, "set", key+"="+value, ds)
}

func (s *Server) handleShare(ctx context.Context, p *policy.Policy, user, ds string) (string, string) {
	if !proto.ValidDataset(ds) {
		return deny("INVALID_DATASET")
	}
	if !p.DatasetAllowed(policy.ActionShare, user, ds) {
		return deny("DENY_POLICY")
	}
	return s.run(ctx, "share", ds)
}
