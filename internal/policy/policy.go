package policy

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPolicyRootMissing is returned by ValidateRoot when the configured
// policy directory doesn't exist or isn't a directory.
var ErrPolicyRootMissing = errors.New("policy: policy root missing")

// Action keys, matching spec.md §3 exactly.
const (
	ActionMount      = "mount"
	ActionUnmount    = "unmount"
	ActionSnapshot   = "snapshot"
	ActionRollback   = "rollback"
	ActionCreate     = "create"
	ActionDestroy    = "destroy"
	ActionRenameFrom = "rename_from"
	ActionRenameTo   = "rename_to"
	ActionSetprop    = "setprop"
	ActionShare      = "share"
)

// Rule is one (actor, pattern) line from a dataset-rule policy file.
type Rule struct {
	Actor   string
	Pattern string
}

// Policy is one user's full rule set, loaded fresh from disk on every
// request — nothing here is ever cached across requests.
type Policy struct {
	Units         []string
	Datasets      map[string][]Rule // keyed by the Action* constants
	SetpropValues []string
}

// PropKeyAllow is the closed set of ZFS properties a caller may mutate.
var PropKeyAllow = map[string]bool{
	"mountpoint": true,
	"canmount":   true,
	"sharenfs":   true,
}

var datasetListFiles = map[string]string{
	ActionMount:      "mount.list",
	ActionUnmount:    "unmount.list",
	ActionSnapshot:   "snapshot.list",
	ActionRollback:   "rollback.list",
	ActionCreate:     "create.list",
	ActionDestroy:    "destroy.list",
	ActionRenameFrom: "rename.from.list",
	ActionRenameTo:   "rename.to.list",
	ActionSetprop:    "setprop.list",
	ActionShare:      "share.list",
}

// Load reads the on-disk rule lists for user under root, returning an
// empty (all-deny) Policy for files that don't exist. Warnings about
// malformed lines are reported through warn, which may be nil.
func Load(root, user string, warn func(path, entry string)) *Policy {
	base := filepath.Join(root, user)
	p := &Policy{
		Units:         loadLines(filepath.Join(base, "units.list")),
		Datasets:      make(map[string][]Rule, len(datasetListFiles)),
		SetpropValues: loadLines(filepath.Join(base, "setprop.values.list")),
	}
	for action, file := range datasetListFiles {
		p.Datasets[action] = loadDatasetRules(filepath.Join(base, file), warn)
	}
	return p
}

func loadLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		out = append(out, s)
	}
	return out
}

func loadDatasetRules(path string, warn func(path, entry string)) []Rule {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Rule
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			fields = strings.Fields(line)
		}
		if len(fields) < 2 {
			if warn != nil {
				warn(path, line)
			}
			continue
		}
		actor := strings.TrimSpace(fields[0])
		pattern := strings.TrimSpace(fields[1])
		if actor == "" || pattern == "" {
			if warn != nil {
				warn(path, line)
			}
			continue
		}
		out = append(out, Rule{Actor: actor, Pattern: pattern})
	}
	return out
}

// DatasetAllowed reports whether any rule for action authorizes user to
// operate on target.
func (p *Policy) DatasetAllowed(action, user, target string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Datasets[action] {
		if r.Actor != user && r.Actor != "*" {
			continue
		}
		if MatchDataset(r.Pattern, target) {
			return true
		}
	}
	return false
}

// UnitAllowed reports whether unit matches any of the caller's
// units.list globs. An empty list always denies.
func (p *Policy) UnitAllowed(unit string) bool {
	if p == nil || len(p.Units) == 0 {
		return false
	}
	for _, pat := range p.Units {
		if MatchShell(pat, unit) {
			return true
		}
	}
	return false
}

// PropRule is one parsed line from setprop.values.list.
type PropRule struct {
	Key       string
	ValueGlob string // set when the line was "key=value-glob"
	MountGlob string // set when the line was "key:mountpoint-glob"
}

// ParsePropRules parses setprop.values.list entries per spec.md §3/§4.7.
func ParsePropRules(lines []string) []PropRule {
	var out []PropRule
	for _, line := range lines {
		if strings.Contains(line, ":") && !strings.Contains(line, "=") {
			k, g, _ := strings.Cut(line, ":")
			out = append(out, PropRule{Key: strings.TrimSpace(k), MountGlob: strings.TrimSpace(g)})
		} else if strings.Contains(line, "=") {
			k, v, _ := strings.Cut(line, "=")
			out = append(out, PropRule{Key: strings.TrimSpace(k), ValueGlob: strings.TrimSpace(v)})
		}
	}
	return out
}

// BuiltinPropValid applies the baked-in validators from spec.md §3 when
// no user-specified value rules exist for key.
func BuiltinPropValid(key, value string) bool {
	switch key {
	case "canmount":
		return value == "on" || value == "off" || value == "noauto"
	case "mountpoint":
		return strings.HasPrefix(value, "/") && !strings.Contains(value, " ")
	case "sharenfs":
		return value == "on" || value == "off"
	default:
		return false
	}
}

// PropValueAllowed reports whether value is permitted for key. With no
// rules at all the built-in validator decides; once any rule exists, some
// rule for key must admit value, so a key without rules of its own is
// denied.
func PropValueAllowed(rules []PropRule, key, value string) bool {
	if len(rules) == 0 {
		return BuiltinPropValid(key, value)
	}
	for _, r := range rules {
		if r.Key != key {
			continue
		}
		if r.ValueGlob != "" && MatchShell(r.ValueGlob, value) {
			return true
		}
		if r.MountGlob != "" && key == "mountpoint" && MatchShell(r.MountGlob, value) {
			return true
		}
	}
	return false
}

// Root is the default policy root directory, overridable via daemonconfig.
const Root = "/etc/zfs-helper/policy.d"

// ValidateRoot reports ErrPolicyRootMissing if root doesn't exist or
// isn't a directory.
func ValidateRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPolicyRootMissing, root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s: not a directory", ErrPolicyRootMissing, root)
	}
	return nil
}
