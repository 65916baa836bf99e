// Package peer identifies the process on the other end of a unix socket
// connection: its credentials, and — when it belongs to a systemd user
// service — the unit name that owns it.
package peer

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
)

// Ident is the caller identity established for one connection.
type Ident struct {
	PID      int
	UID      int
	GID      int
	Username string
}

// Identifier maps a peer's (pid, uid) to the systemd user-service unit
// that owns it. Its only implementation is cgroup-path inspection, gated
// to Linux by the cgroup_linux.go/cgroup_other.go build-tag pair, but callers depend
// on the interface so the broker itself stays platform-agnostic.
type Identifier interface {
	Identify(pid, uid int) (unit string, ok bool)
}

// CgroupIdentifier identifies callers by their cgroup v2 membership.
type CgroupIdentifier struct{}

// Identify implements Identifier using UserServiceUnit.
func (CgroupIdentifier) Identify(pid, uid int) (string, bool) {
	return UserServiceUnit(pid, uid)
}

// Username resolves uid to a login name, falling back to "uid<N>" when
// no passwd entry exists — mirroring what a missing NSS record looks
// like on the original system.
func Username(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return fmt.Sprintf("uid%d", uid)
	}
	return u.Username
}

// InGroup reports whether uid is a member of the named group, by
// primary or supplementary membership.
func InGroup(uid int, group string) bool {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return false
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return false
	}
	if u.Gid == g.Gid {
		return true
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return false
	}
	for _, gid := range groupIDs {
		if gid == g.Gid {
			return true
		}
	}
	return false
}

const wantedPrefix = "/user.slice/user-%d.slice/user@%d.service/app.slice/"

// unitFromCgroupPath extracts the systemd unit name a cgroup v2 path
// belongs to, provided it sits under the caller's user-service slice.
// Returns ("", false) for any path that doesn't match that shape —
// system services, session scopes, or a different user's slice.
func unitFromCgroupPath(path string, uid int) (string, bool) {
	wanted := fmt.Sprintf(wantedPrefix, uid, uid)
	if !strings.Contains(path, wanted) {
		return "", false
	}
	_, after, ok := strings.Cut(path, "/app.slice/")
	if !ok {
		return "", false
	}
	seg, _, _ := strings.Cut(after, "/")
	name, _, _ := strings.Cut(seg, ".service")
	if name == "" {
		return "", false
	}
	return name + ".service", true
}

// parseCgroupV2Path extracts the unified (hierarchy-id 0) cgroup path
// from the content of a /proc/<pid>/cgroup file.
func parseCgroupV2Path(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) == 3 && parts[0] == "0" {
			return parts[2], true
		}
	}
	return "", false
}
