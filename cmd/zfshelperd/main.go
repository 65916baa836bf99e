package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zfs-helper/zfs-helper/internal/broker"
	"github.com/zfs-helper/zfs-helper/internal/brokerlog"
	"github.com/zfs-helper/zfs-helper/internal/daemonconfig"
	"github.com/zfs-helper/zfs-helper/internal/ownership"
	"github.com/zfs-helper/zfs-helper/internal/policy"
	"github.com/zfs-helper/zfs-helper/internal/policywatch"
	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

func main() {
	root := &cobra.Command{
		Use:   "zfshelperd",
		Short: "privileged broker for user-service ZFS operations",
		RunE:  run,
	}
	root.Flags().String("config", "/etc/zfs-helper/daemonconfig.yaml", "path to daemon config file")
	root.Flags().Bool("check", false, "run startup self-check and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	checkOnly, _ := cmd.Flags().GetBool("check")

	cfg, err := daemonconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLevel(cfg.LogLevel)
	log := brokerlog.Init(os.Stdout, level)
	ownership.Log = func(_, msg string, kv ...any) { log.Warn(msg, kv...) }

	if checkOnly {
		if !selfCheck(cfg, log) {
			return fmt.Errorf("startup self-check failed")
		}
		return nil
	}

	selfCheck(cfg, log)

	srv := broker.New(cfg, log)
	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- policywatch.Watch(ctx, cfg.PolicyRoot, log)
	}()
	go func() {
		log.Info("listening", "socket", cfg.SocketPath)
		errCh <- srv.Serve(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		time.Sleep(100 * time.Millisecond)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selfCheck verifies the daemon's operating environment before it ever
// binds a socket: the zfs binary resolves, the policy root exists, and
// the admin group is known. It always runs ahead of Listen during normal
// startup; failures are logged at WARN and never abort the daemon, since
// a missing zfs binary should surface as per-request ERROR replies
// rather than a dead socket. --check runs the same checks standalone and
// reports success/failure via exit code, for use from a unit's
// ExecStartPre.
func selfCheck(cfg daemonconfig.Config, log *slog.Logger) bool {
	ok := true

	if err := zfsrun.New(cfg.ZFSBin).Validate(); err != nil {
		if errors.Is(err, zfsrun.ErrToolNotFound) {
			log.Warn("zfs binary not found", "path", cfg.ZFSBin, "err", err)
		} else {
			log.Warn("zfs binary check failed", "path", cfg.ZFSBin, "err", err)
		}
		ok = false
	}
	if err := policy.ValidateRoot(cfg.PolicyRoot); err != nil {
		if errors.Is(err, policy.ErrPolicyRootMissing) {
			log.Warn("policy root missing or not a directory", "path", cfg.PolicyRoot)
		}
		ok = false
	}
	if _, err := user.LookupGroup(cfg.AdminGroup); err != nil {
		log.Warn("admin group not found", "group", cfg.AdminGroup, "err", err)
		ok = false
	}
	if !isSocketActivated() {
		if err := checkSocketDirWritable(cfg.SocketPath); err != nil {
			log.Warn("socket directory not writable", "path", cfg.SocketPath, "err", err)
			ok = false
		}
	}

	if ok {
		log.Info("startup self-check passed", "zfs_bin", cfg.ZFSBin, "policy_root", cfg.PolicyRoot, "socket_path", cfg.SocketPath)
	}
	return ok
}

func isSocketActivated() bool {
	return os.Getenv("LISTEN_FDS") == "1"
}

func checkSocketDirWritable(socketPath string) error {
	dir := filepath.Dir(socketPath)
	probe := filepath.Join(dir, fmt.Sprintf(".zfs-helper-writecheck.%d", os.Getpid()))
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	f.Close()
	os.Remove(probe)
	return nil
}
