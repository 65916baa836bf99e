package broker

import (
	"errors"
	"strings"
	"testing"
)

func TestTruncateInfo(t *testing.T) {
	if got := truncateInfo("hello world"); got != "hello_world" {
		t.Errorf("truncateInfo() = %q, want hello_world", got)
	}
	long := strings.Repeat("a", 300)
	if got := truncateInfo(long); len(got) != 200 {
		t.Errorf("truncateInfo() length = %d, want 200", len(got))
	}
}

func TestChownToGroupPropagatesLookupError(t *testing.T) {
	orig := lookupGroup
	defer func() { lookupGroup = orig }()
	lookupGroup = func(name string) (int, error) {
		return 0, errors.New("no such group")
	}
	if err := chownToGroup("/tmp/doesnotmatter", "zfshelper"); err == nil {
		t.Fatal("expected chownToGroup to propagate a group lookup failure")
	}
}
