// Package broker implements the connection handler and accept loop
// that serve the zfs-helper unix socket: one request per connection,
// no concurrency between connections, policy re-read from disk on
// every single request.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zfs-helper/zfs-helper/internal/brokerlog"
	"github.com/zfs-helper/zfs-helper/internal/daemonconfig"
	"github.com/zfs-helper/zfs-helper/internal/peer"
	"github.com/zfs-helper/zfs-helper/internal/policy"
	"github.com/zfs-helper/zfs-helper/internal/proto"
	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

// Server owns the listening socket and every dependency a request
// handler needs.
type Server struct {
	Config daemonconfig.Config
	Runner *zfsrun.Runner
	Log    *slog.Logger
	Ident  peer.Identifier
}

// New builds a Server from cfg, wiring up the zfs runner it drives and
// the platform's peer identifier.
func New(cfg daemonconfig.Config, log *slog.Logger) *Server {
	return &Server{
		Config: cfg,
		Runner: zfsrun.New(cfg.ZFSBin),
		Log:    log,
		Ident:  peer.CgroupIdentifier{},
	}
}

// listenFDsEnv names the systemd socket-activation env var this daemon
// understands; it only ever adopts fd 3, matching LISTEN_FDS=1.
const listenFDsEnv = "LISTEN_FDS"
const activationFD = 3

// Listen binds (or adopts) the broker's unix socket per the
// socket-activation protocol: when systemd passed exactly one fd, it is
// adopted as-is; otherwise a fresh socket is created, with stale-path
// cleanup, 0660 permissions, and group ownership applied.
func (s *Server) Listen() (*net.UnixListener, error) {
	if n, _ := strconv.Atoi(os.Getenv(listenFDsEnv)); n == 1 {
		f := os.NewFile(uintptr(activationFD), "zfs-helper-activation")
		l, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("adopt activation socket: %w", err)
		}
		ul, ok := l.(*net.UnixListener)
		if !ok {
			return nil, fmt.Errorf("activation fd %d is not a unix socket", activationFD)
		}
		return ul, nil
	}

	path := s.Config.SocketPath
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ul, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		s.Log.Warn("failed to chmod socket", "path", path, "err", err)
	}
	if err := chownToGroup(path, s.Config.AdminGroup); err != nil {
		s.Log.Warn("failed to adjust socket ownership", "path", path, "err", err)
	}
	if err := setBacklog(ul, s.Config.SocketBacklog); err != nil {
		s.Log.Warn("failed to set socket backlog", "backlog", s.Config.SocketBacklog, "err", err)
	}
	return ul, nil
}

// setBacklog re-issues listen(2) with the configured backlog, replacing
// the one net.ListenUnix picks on its own and doesn't expose.
func setBacklog(ul *net.UnixListener, backlog int) error {
	if backlog <= 0 {
		return nil
	}
	rc, err := ul.SyscallConn()
	if err != nil {
		return err
	}
	var listenErr error
	if err := rc.Control(func(fd uintptr) {
		listenErr = syscall.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return listenErr
}

func chownToGroup(path, group string) error {
	gid, err := lookupGroup(group)
	if err != nil {
		return err
	}
	return os.Chown(path, 0, gid)
}

// Serve runs the accept loop until ctx is canceled. Connections are
// handled one at a time on the accepting goroutine: the broker talks to
// a privileged ZFS binary on every request, and the original design
// deliberately avoids a goroutine-per-connection fan-out so that two
// concurrent callers can never race each other's policy reload or
// chown reconciliation.
func (s *Server) Serve(ctx context.Context, ln *net.UnixListener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.Log.Error("server exception", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.handleConn(ctx, conn.(*net.UnixConn))
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	connID := brokerlog.ConnID()

	pid, uid, _, err := peer.Ucred(conn)
	if err != nil {
		s.Log.Error("cannot read peer credentials", "err", err, "conn", connID)
		return
	}
	caller := peer.Username(uid)

	req, ok, rerr := proto.ReadRequest(conn)
	if rerr != nil {
		s.Log.Error("read error", "err", rerr, "conn", connID, "peer_uid", uid)
		return
	}
	if !ok {
		writeReply(conn, "BAD_REQUEST", "expect JSON with 'action'")
		s.Log.Warn("bad request", "conn", connID, "peer_pid", pid, "peer_uid", uid, "peer_user", caller)
		return
	}
	if uid == 0 {
		writeReply(conn, "DENY_ROOT", "")
		s.Log.Warn("root caller not allowed", "conn", connID, "peer_pid", pid, "peer_uid", uid, "peer_user", caller)
		return
	}

	p, unit, ok := s.validate(pid, uid, caller, conn, connID)
	if !ok {
		return
	}

	status, info := s.dispatch(ctx, p, req, caller, uid)
	writeReply(conn, status, info)

	fields := []any{"conn", connID, "unit", unit, "peer_uid", uid, "peer_user", caller, "status", status, "info", truncateInfo(info)}
	switch {
	case status == "OK":
		brokerlog.Allow(ctx, req.Action, fields...)
	case strings.HasPrefix(status, "DENY"):
		brokerlog.Deny(ctx, req.Action, fields...)
	default:
		s.Log.Error(req.Action, fields...)
	}
}

func truncateInfo(info string) string {
	info = strings.ReplaceAll(info, " ", "_")
	if len(info) > 200 {
		return info[:200]
	}
	return info
}

func writeReply(conn *net.UnixConn, status, info string) {
	conn.Write(proto.Reply{Status: status, Info: info}.Encode())
}

// validate runs the three gates every request must clear before any
// action handler runs: caller must be a systemd user service, that
// unit must be covered by the caller's units.list, and the caller must
// belong to the required group.
func (s *Server) validate(pid, uid int, caller string, conn *net.UnixConn, connID string) (*policy.Policy, string, bool) {
	unit, isUserService := s.Ident.Identify(pid, uid)
	if !isUserService {
		writeReply(conn, "DENY_NOT_USER_SERVICE", "")
		s.Log.Warn("not a user service", "conn", connID, "peer_pid", pid, "peer_uid", uid, "peer_user", caller)
		return nil, "", false
	}

	p := policy.Load(s.Config.PolicyRoot, caller, func(path, entry string) {
		s.Log.Warn("invalid dataset policy entry", "path", path, "entry", entry)
	})

	if !p.UnitAllowed(unit) {
		writeReply(conn, "DENY_UNIT", unit)
		s.Log.Warn("unit not allowed", "conn", connID, "unit", unit, "peer_uid", uid, "peer_user", caller)
		return nil, "", false
	}
	if !peer.InGroup(uid, s.Config.AdminGroup) {
		writeReply(conn, "DENY_GROUP", "")
		s.Log.Warn("user not in zfshelper group", "conn", connID, "peer_uid", uid, "peer_user", caller, "unit", unit)
		return nil, "", false
	}
	return p, unit, true
}

// lookupGroup is split out so tests can exercise chownToGroup's error
// path without needing a real system group to exist.
var lookupGroup = func(name string) (int, error) {
	out, err := exec.Command("getent", "group", name).Output()
	if err != nil {
		return 0, fmt.Errorf("lookup group %s: %w", name, err)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) < 3 {
		return 0, fmt.Errorf("unexpected getent output for group %s", name)
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, fmt.Errorf("parse gid for group %s: %w", name, err)
	}
	return gid, nil
}
