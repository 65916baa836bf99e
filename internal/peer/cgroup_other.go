//go:build !linux

package peer

import (
	"fmt"
	"net"
)

// Ucred is unsupported outside Linux: SO_PEERCRED and /proc are both
// Linux-specific, and this broker has no reason to run elsewhere.
func Ucred(conn *net.UnixConn) (pid, uid, gid int, err error) {
	return 0, 0, 0, fmt.Errorf("peer: SO_PEERCRED unsupported on this platform")
}

// UserServiceUnit always reports no unit on non-Linux platforms.
func UserServiceUnit(pid, uid int) (string, bool) {
	return "", false
}
