package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateRoot(t *testing.T) {
	root := t.TempDir()
	if err := ValidateRoot(root); err != nil {
		t.Errorf("expected existing directory to validate, got %v", err)
	}
	if err := ValidateRoot(filepath.Join(root, "absent")); !errors.Is(err, ErrPolicyRootMissing) {
		t.Errorf("ValidateRoot() = %v, want ErrPolicyRootMissing", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingUserDeniesEverything(t *testing.T) {
	root := t.TempDir()
	p := Load(root, "ghost", nil)
	if p.DatasetAllowed(ActionMount, "ghost", "tank/home/ghost") {
		t.Fatal("expected deny for user with no policy directory")
	}
	if p.UnitAllowed("zfs-mount@tank-home-ghost.service") {
		t.Fatal("expected deny for empty units list")
	}
}

func TestLoadDatasetRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alice", "mount.list"), "# comment\nalice tank/home/alice\n*  tank/shared/**\n")

	p := Load(root, "alice", nil)
	if !p.DatasetAllowed(ActionMount, "alice", "tank/home/alice") {
		t.Error("expected alice to be allowed to mount her own dataset")
	}
	if !p.DatasetAllowed(ActionMount, "alice", "tank/shared/project/sub") {
		t.Error("expected wildcard-actor rule to apply to alice")
	}
	if p.DatasetAllowed(ActionMount, "alice", "tank/home/bob") {
		t.Error("expected deny for dataset not covered by any rule")
	}
	if p.DatasetAllowed(ActionUnmount, "alice", "tank/home/alice") {
		t.Error("expected deny for action with no rules at all")
	}
}

func TestLoadMalformedLineSkippedAndWarned(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bob", "mount.list"), "bad-line-no-pattern\nbob tank/home/bob\n")

	var warnings []string
	p := Load(root, "bob", func(path, entry string) {
		warnings = append(warnings, entry)
	})
	if len(warnings) != 1 || warnings[0] != "bad-line-no-pattern" {
		t.Fatalf("expected one warning for malformed line, got %v", warnings)
	}
	if !p.DatasetAllowed(ActionMount, "bob", "tank/home/bob") {
		t.Error("expected the well-formed line to still load")
	}
}

func TestUnitAllowed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alice", "units.list"), "zfs-mount@tank-home-alice.service\n")

	p := Load(root, "alice", nil)
	if !p.UnitAllowed("zfs-mount@tank-home-alice.service") {
		t.Error("expected exact unit match to be allowed")
	}
	if p.UnitAllowed("zfs-mount@tank-home-bob.service") {
		t.Error("expected different unit to be denied")
	}
}

func TestPropValueAllowedBuiltinFallback(t *testing.T) {
	if !PropValueAllowed(nil, "canmount", "on") {
		t.Error("expected builtin validator to allow canmount=on with no rules")
	}
	if PropValueAllowed(nil, "canmount", "maybe") {
		t.Error("expected builtin validator to deny canmount=maybe")
	}
	if PropValueAllowed(nil, "sharenfs", "rw=@10.0.0.0/24") {
		t.Error("expected builtin validator to deny sharenfs values beyond on/off")
	}
}

func TestParsePropRulesAndValueMatch(t *testing.T) {
	rules := ParsePropRules([]string{"sharenfs=rw=@10.0.0.0/24", "mountpoint:/export/*"})
	if !PropValueAllowed(rules, "sharenfs", "rw=@10.0.0.0/24") {
		t.Error("expected explicit value rule to allow exact match")
	}
	if PropValueAllowed(rules, "sharenfs", "rw=@192.168.0.0/24") {
		t.Error("expected explicit value rule to deny non-matching value")
	}
	if !PropValueAllowed(rules, "mountpoint", "/export/home") {
		t.Error("expected mountpoint glob rule to allow matching path")
	}
	if PropValueAllowed(rules, "mountpoint", "/srv/home") {
		t.Error("expected mountpoint glob rule to deny non-matching path")
	}
}
