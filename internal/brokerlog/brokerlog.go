// Package brokerlog renders the broker's structured log lines in the
// plain "zfs-helper [LEVEL] msg key=value ..." format its operators
// already grep for, built on top of log/slog rather than fmt.Println.
package brokerlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const tag = "zfs-helper"

// LevelAllow and LevelDeny sit alongside the standard slog levels to
// carry the broker's own outcome vocabulary ("ALLOW"/"DENY") instead of
// forcing every access decision into "INFO"/"WARN".
const (
	LevelAllow = slog.LevelInfo + 1
	LevelDeny  = slog.LevelWarn - 1
)

// Log is the process-wide logger, set up by Init.
var Log *slog.Logger

// Init wires a Handler onto out (typically os.Stdout, which systemd
// captures into the journal) and installs it as both the package and
// slog default logger.
func Init(out io.Writer, level slog.Level) *slog.Logger {
	h := &Handler{out: out, level: level}
	Log = slog.New(h)
	slog.SetDefault(Log)
	return Log
}

// Handler formats records as "zfs-helper [LEVEL] msg k=v k=v ...",
// sorting attributes so the same event always renders identically.
type Handler struct {
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    sync.Mutex
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	kv := make(map[string]string, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		kv[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		kv[a.Key] = a.Value.String()
		return true
	})

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s", tag, levelName(r.Level), r.Message)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, kv[k])
	}
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &Handler{out: h.out, level: h.level, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
	return nh
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	// The wire format has no notion of attribute grouping; a group is
	// just flattened into the same key space.
	return h
}

func levelName(l slog.Level) string {
	switch l {
	case LevelAllow:
		return "ALLOW"
	case LevelDeny:
		return "DENY"
	}
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// Allow logs a granted action at the ALLOW level.
func Allow(ctx context.Context, msg string, args ...any) {
	Log.Log(ctx, LevelAllow, msg, args...)
}

// Deny logs a rejected action at the DENY level.
func Deny(ctx context.Context, msg string, args ...any) {
	Log.Log(ctx, LevelDeny, msg, args...)
}

// ConnID mints a per-connection correlation id for tying together the
// handful of log lines one request produces.
func ConnID() string {
	return uuid.NewString()
}
