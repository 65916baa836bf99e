//go:build linux

package peer

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Ucred reads SO_PEERCRED off a connected unix socket to learn who is
// on the other end of it.
func Ucred(conn *net.UnixConn) (pid, uid, gid int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, 0, err
	}
	var cred *unix.Ucred
	var cerr error
	err = raw.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, 0, 0, err
	}
	if cerr != nil {
		return 0, 0, 0, cerr
	}
	return int(cred.Pid), int(cred.Uid), int(cred.Gid), nil
}

// UserServiceUnit reports whether pid (running as uid) lives inside a
// systemd user-service cgroup, returning the owning unit name if so.
func UserServiceUnit(pid, uid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", false
	}
	path, ok := parseCgroupV2Path(string(data))
	if !ok {
		return "", false
	}
	return unitFromCgroupPath(path, uid)
}
