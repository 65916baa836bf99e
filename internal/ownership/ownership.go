// Package ownership reconciles on-disk file ownership with the user who
// just performed a ZFS operation, so a created dataset or new snapshot
// ends up owned by the caller rather than root.
package ownership

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

// Log receives best-effort warnings about chown failures that shouldn't
// abort the request but are worth recording. It defaults to a no-op.
var Log = func(level, msg string, kv ...any) {}

// ChownRecursive walks path (without following symlinks) and chowns
// every entry to uid:gid, swallowing not-found races and logging
// permission or other OS errors rather than failing the caller.
func ChownRecursive(path string, uid, gid int) {
	if _, err := os.Lstat(path); err != nil {
		return
	}
	safeChown(path, uid, gid)
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			Log("WARN", "walk failed", "path", p, "err", err)
			return nil
		}
		if p == path {
			return nil
		}
		safeChown(p, uid, gid)
		return nil
	})
}

func safeChown(path string, uid, gid int) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		Log("WARN", "chown lstat failed", "path", path, "err", err)
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		err = os.Lchown(path, uid, gid)
	} else {
		err = os.Chown(path, uid, gid)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		Log("WARN", "chown failed", "path", path, "err", err)
	}
}

// UserIDs resolves a uid to itself plus the user's primary gid, the
// pair chown needs. It returns ok == false if the uid has no passwd
// entry by the time the mutation completes.
func UserIDs(uid int) (resolvedUID, gid int, ok bool) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return 0, 0, false
	}
	gidN, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, false
	}
	return uid, gidN, true
}

// Mountpoint looks up the ZFS "mountpoint" property for dataset, and
// reports (path, true) unless it's unset, legacy, none, or the lookup
// fails.
func Mountpoint(ctx context.Context, r *zfsrun.Runner, dataset string) (string, bool) {
	res := r.Run(ctx, "get", "-H", "-o", "value", "mountpoint", dataset)
	if !res.OK {
		Log("WARN", "mountpoint lookup failed", "dataset", dataset, "err", res.Stderr)
		return "", false
	}
	line := firstLine(res.Stdout)
	switch line {
	case "", "legacy", "none", "-":
		return "", false
	default:
		return line, true
	}
}

// DescendantFilesystems lists dataset and every filesystem (not
// snapshot or volume) beneath it. Falls back to just dataset if the
// listing itself fails.
func DescendantFilesystems(ctx context.Context, r *zfsrun.Runner, dataset string) []string {
	res := r.Run(ctx, "list", "-H", "-r", "-o", "name", "-t", "filesystem", dataset)
	if !res.OK {
		Log("WARN", "descendant listing failed", "dataset", dataset, "err", res.Stderr)
		return []string{dataset}
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return []string{dataset}
	}
	return names
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// ApplyDatasetTree chowns the mountpoint of dataset and every
// descendant filesystem to uid, used after a rename lands the whole
// tree under a new name.
func ApplyDatasetTree(ctx context.Context, r *zfsrun.Runner, dataset string, uid int) {
	resolvedUID, gid, ok := UserIDs(uid)
	if !ok {
		Log("WARN", "unable to resolve user for ownership", "dataset", dataset, "uid", uid)
		return
	}
	for _, ds := range DescendantFilesystems(ctx, r, dataset) {
		if mp, ok := Mountpoint(ctx, r, ds); ok {
			ChownRecursive(mp, resolvedUID, gid)
		}
	}
}

// ApplySingleDataset chowns just dataset's own mountpoint, used after a
// fresh create.
func ApplySingleDataset(ctx context.Context, r *zfsrun.Runner, dataset string, uid int) {
	resolvedUID, gid, ok := UserIDs(uid)
	if !ok {
		Log("WARN", "unable to resolve user for ownership", "dataset", dataset, "uid", uid)
		return
	}
	if mp, ok := Mountpoint(ctx, r, dataset); ok {
		ChownRecursive(mp, resolvedUID, gid)
	}
}

// ApplySnapshot chowns the on-disk ".zfs/snapshot/<name>" view for
// dataset (and, if recursive, every descendant filesystem's view of
// the same snapshot name) after a successful snapshot action.
func ApplySnapshot(ctx context.Context, r *zfsrun.Runner, dataset, snapshot string, uid int, recursive bool) {
	resolvedUID, gid, ok := UserIDs(uid)
	if !ok {
		Log("WARN", "unable to resolve user for snapshot ownership", "dataset", dataset, "uid", uid, "snapshot", snapshot)
		return
	}
	datasets := []string{dataset}
	if recursive {
		datasets = DescendantFilesystems(ctx, r, dataset)
	}
	for _, ds := range datasets {
		mp, ok := Mountpoint(ctx, r, ds)
		if !ok {
			continue
		}
		snapPath := filepath.Join(mp, ".zfs", "snapshot", snapshot)
		if _, err := os.Lstat(snapPath); err != nil {
			continue
		}
		ChownRecursive(snapPath, resolvedUID, gid)
	}
}
