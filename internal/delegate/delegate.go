// Package delegate reconciles ZFS delegated permissions ("zfs allow")
// so that every principal permitted by policy to mount, snapshot,
// create, or otherwise touch a dataset can do so directly too, and
// nobody else retains stale grants.
package delegate

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zfs-helper/zfs-helper/internal/policy"
	"github.com/zfs-helper/zfs-helper/internal/zfsrun"
)

// PermSet is a set of permission strings, either a bare zfs permission
// ("mount", "snapshot", ...) or a "property=<key>" permission.
type PermSet map[string]bool

func (s PermSet) add(perm string) { s[perm] = true }

// DesiredState maps dataset -> principal -> the permission set that
// principal should hold on that dataset.
type DesiredState map[string]map[string]PermSet

// ManagedPerms is the closed set of permissions this reconciler will
// ever grant or revoke; anything else on a dataset is left untouched.
func ManagedPerms() PermSet {
	perms := PermSet{
		"mount": true, "snapshot": true, "rollback": true,
		"create": true, "destroy": true, "rename": true, "share": true,
	}
	for k := range policy.PropKeyAllow {
		perms.add("property=" + k)
	}
	return perms
}

// managedActions maps a dataset-rule action to the zfs permission it
// grants when the policy allows it.
var managedActions = map[string]string{
	policy.ActionMount:      "mount",
	policy.ActionUnmount:    "mount",
	policy.ActionSnapshot:   "snapshot",
	policy.ActionRollback:   "rollback",
	policy.ActionDestroy:    "destroy",
	policy.ActionRenameFrom: "rename",
}

// ListDatasets returns every filesystem and volume name known to zfs.
func ListDatasets(ctx context.Context, r *zfsrun.Runner) ([]string, error) {
	res := r.Run(ctx, "list", "-H", "-o", "name", "-t", "filesystem,volume")
	if !res.OK {
		msg := res.Stderr
		if msg == "" {
			msg = fmt.Sprintf("rc=%d", res.ExitCode)
		}
		return nil, fmt.Errorf("zfs list failed: %s", msg)
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// PatternPrefix finds the longest literal (glob-free) ancestor of
// pattern that's a known dataset, so that "tank/home/*" grants "create"
// on "tank/home" — the dataset the new child will actually live under.
func PatternPrefix(pattern string, existing map[string]bool) (string, bool) {
	parts := strings.Split(pattern, "/")
	var prefix []string
	for _, part := range parts {
		if part == "**" || strings.ContainsAny(part, "*?[]") {
			break
		}
		prefix = append(prefix, part)
	}
	for len(prefix) > 0 {
		candidate := strings.Join(prefix, "/")
		if existing[candidate] {
			return candidate, true
		}
		prefix = prefix[:len(prefix)-1]
	}
	return "", false
}

// ExpandPatternTargets resolves pattern to the concrete datasets it
// should grant permission on: every existing dataset the pattern
// matches, plus (if found) its literal prefix ancestor.
func ExpandPatternTargets(pattern string, datasets []string, datasetSet map[string]bool) map[string]bool {
	targets := make(map[string]bool)
	for _, ds := range datasets {
		if policy.MatchDataset(pattern, ds) {
			targets[ds] = true
		}
	}
	if prefix, ok := PatternPrefix(pattern, datasetSet); ok {
		targets[prefix] = true
	}
	return targets
}

// ParseAllowOutput parses the text of "zfs allow -l <dataset>" into a
// per-principal permission set, only considering "user ..." lines
// (group and everyone grants are out of scope for this reconciler).
func ParseAllowOutput(output string) map[string]PermSet {
	grants := make(map[string]PermSet)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "user ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		principal := fields[1]
		permsField := strings.Join(fields[2:], " ")
		set := grants[principal]
		if set == nil {
			set = PermSet{}
			grants[principal] = set
		}
		for _, perm := range strings.Fields(strings.ReplaceAll(permsField, ",", " ")) {
			perm = strings.TrimSuffix(strings.TrimSpace(perm), ",")
			if perm != "" {
				set.add(perm)
			}
		}
	}
	return grants
}

// CurrentPermissions returns the live delegated-permission state for
// dataset. A failed lookup (e.g. dataset just destroyed) yields an
// empty map rather than an error — there's nothing to reconcile there.
func CurrentPermissions(ctx context.Context, r *zfsrun.Runner, dataset string) map[string]PermSet {
	res := r.Run(ctx, "allow", "-l", dataset)
	if !res.OK {
		return map[string]PermSet{}
	}
	return ParseAllowOutput(res.Stdout)
}

// Logf receives one human-readable line per grant/revoke attempted,
// matching the "[grant] ..." / "[revoke] ..." console trace of the
// original tool.
type Logf func(format string, args ...any)

func splitRegularAndProps(perms PermSet) (regular, props []string) {
	for p := range perms {
		if rest, ok := strings.CutPrefix(p, "property="); ok {
			props = append(props, rest)
		} else {
			regular = append(regular, p)
		}
	}
	sort.Strings(regular)
	sort.Strings(props)
	return regular, props
}

// GrantPermissions issues "zfs allow" for perms on dataset for user.
func GrantPermissions(ctx context.Context, r *zfsrun.Runner, dataset, user string, perms PermSet, dryRun bool, log Logf) {
	applyPerms(ctx, r, "allow", "[grant]", dataset, user, perms, dryRun, log)
}

// RevokePermissions issues "zfs unallow" for perms on dataset for user.
func RevokePermissions(ctx context.Context, r *zfsrun.Runner, dataset, user string, perms PermSet, dryRun bool, log Logf) {
	applyPerms(ctx, r, "unallow", "[revoke]", dataset, user, perms, dryRun, log)
}

func applyPerms(ctx context.Context, r *zfsrun.Runner, verb, tag, dataset, user string, perms PermSet, dryRun bool, log Logf) {
	if len(perms) == 0 {
		return
	}
	regular, props := splitRegularAndProps(perms)
	if len(regular) > 0 {
		args := []string{verb, "-u", user, strings.Join(regular, ","), dataset}
		runAndLog(ctx, r, tag, args, dryRun, log)
	}
	for _, prop := range props {
		args := []string{verb, "-u", user, "property=" + prop, dataset}
		runAndLog(ctx, r, tag, args, dryRun, log)
	}
}

func runAndLog(ctx context.Context, r *zfsrun.Runner, tag string, args []string, dryRun bool, log Logf) {
	if log != nil {
		log("%s zfs %s", tag, strings.Join(args, " "))
	}
	if dryRun {
		return
	}
	res := r.Run(ctx, args...)
	if !res.OK && log != nil {
		msg := res.Stderr
		if msg == "" {
			msg = fmt.Sprintf("rc=%d", res.ExitCode)
		}
		log("  ! failed: %s", msg)
	}
}

// BuildDesiredState walks every per-user policy directory under
// policyRoot and computes the full delegated-permission state policy
// implies across datasets.
func BuildDesiredState(policyRoot string, datasets []string) (DesiredState, error) {
	info, err := os.Stat(policyRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("policy root %s not found", policyRoot)
	}

	datasetSet := make(map[string]bool, len(datasets))
	for _, ds := range datasets {
		datasetSet[ds] = true
	}

	entries, err := os.ReadDir(policyRoot)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	// Every listed dataset gets an entry, even one policy grants nobody
	// anything on, so ApplyDesiredState still revokes stale grants there.
	desired := make(DesiredState, len(datasets))
	for _, ds := range datasets {
		desired[ds] = make(map[string]PermSet)
	}
	ensure := func(dataset, user string) PermSet {
		byUser, ok := desired[dataset]
		if !ok {
			byUser = make(map[string]PermSet)
			desired[dataset] = byUser
		}
		set, ok := byUser[user]
		if !ok {
			set = PermSet{}
			byUser[user] = set
		}
		return set
	}

	for _, user := range names {
		p := policy.Load(policyRoot, user, nil)

		for action, perm := range managedActions {
			for _, ds := range datasets {
				if p.DatasetAllowed(action, user, ds) {
					ensure(ds, user).add(perm)
				}
			}
		}

		if len(p.Datasets[policy.ActionSetprop]) > 0 {
			propKeys := setpropKeys(p)
			for _, ds := range datasets {
				if p.DatasetAllowed(policy.ActionSetprop, user, ds) {
					for key := range propKeys {
						ensure(ds, user).add("property=" + key)
					}
				}
			}
		}

		for _, action := range []struct{ rule, perm string }{
			{policy.ActionCreate, "create"},
			{policy.ActionRenameTo, "rename"},
			{policy.ActionShare, "share"},
		} {
			for _, rule := range p.Datasets[action.rule] {
				if rule.Actor != user && rule.Actor != "*" {
					continue
				}
				targets := ExpandPatternTargets(rule.Pattern, datasets, datasetSet)
				for ds := range targets {
					ensure(ds, user).add(action.perm)
				}
			}
		}
	}

	return desired, nil
}

func setpropKeys(p *policy.Policy) map[string]bool {
	rules := policy.ParsePropRules(p.SetpropValues)
	if len(rules) == 0 {
		return policy.PropKeyAllow
	}
	keys := make(map[string]bool)
	for _, r := range rules {
		if r.Key != "" {
			keys[r.Key] = true
		}
	}
	filtered := make(map[string]bool)
	for k := range keys {
		if policy.PropKeyAllow[k] {
			filtered[k] = true
		}
	}
	if len(filtered) == 0 {
		return policy.PropKeyAllow
	}
	return filtered
}

// ApplyDesiredState diffs desired against each dataset's live
// permissions and issues the grants/revokes needed to converge,
// including revoking every managed permission from principals that no
// longer appear in desired at all.
func ApplyDesiredState(ctx context.Context, r *zfsrun.Runner, desired DesiredState, dryRun bool, log Logf) {
	managed := ManagedPerms()

	datasets := make([]string, 0, len(desired))
	for ds := range desired {
		datasets = append(datasets, ds)
	}
	sort.Strings(datasets)

	for _, dataset := range datasets {
		users := desired[dataset]
		current := CurrentPermissions(ctx, r, dataset)

		for user, perms := range users {
			currentPerms := current[user]
			if currentPerms == nil {
				currentPerms = PermSet{}
			}
			toAdd := PermSet{}
			for perm := range perms {
				if !currentPerms[perm] {
					toAdd.add(perm)
				}
			}
			toRemove := PermSet{}
			for perm := range currentPerms {
				if managed[perm] && !perms[perm] {
					toRemove.add(perm)
				}
			}
			if len(toAdd) > 0 {
				GrantPermissions(ctx, r, dataset, user, toAdd, dryRun, log)
			}
			if len(toRemove) > 0 {
				RevokePermissions(ctx, r, dataset, user, toRemove, dryRun, log)
			}
		}

		for user, currentPerms := range current {
			if _, stillDesired := users[user]; stillDesired {
				continue
			}
			toRemove := PermSet{}
			for perm := range currentPerms {
				if managed[perm] {
					toRemove.add(perm)
				}
			}
			if len(toRemove) > 0 {
				RevokePermissions(ctx, r, dataset, user, toRemove, dryRun, log)
			}
		}
	}
}

// Sync is the top-level entry point: list datasets, compute desired
// state from policy, and converge live delegation to match.
func Sync(ctx context.Context, r *zfsrun.Runner, policyRoot string, dryRun bool, log Logf) error {
	datasets, err := ListDatasets(ctx, r)
	if err != nil {
		return err
	}
	desired, err := BuildDesiredState(policyRoot, datasets)
	if err != nil {
		return err
	}
	ApplyDesiredState(ctx, r, desired, dryRun, log)
	return nil
}
