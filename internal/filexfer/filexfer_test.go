package filexfer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJailRejectsDotDotEscape(t *testing.T) {
	home := t.TempDir()
	full, err := Jail(home, "../../etc/passwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !withinDirPrefix(t, home, full) {
		t.Fatalf("jailed path escaped home: %s", full)
	}
}

func TestJailRejectsSymlinkEscape(t *testing.T) {
	home := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(home, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	if _, err := Jail(home, "escape/payload.txt"); err == nil {
		t.Fatalf("expected jail rejection for a symlinked escape directory")
	}
}

func TestJailAllowsNormalPath(t *testing.T) {
	home := t.TempDir()
	full, err := Jail(home, "docs/report.pdf")
	if err != nil {
		t.Fatalf("Jail: %v", err)
	}
	if filepath.Dir(filepath.Dir(full)) != home {
		t.Fatalf("expected path under home, got %s", full)
	}
}

func withinDirPrefix(t *testing.T, root, candidate string) bool {
	t.Helper()
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == filepath.Clean(rel) && !strings.HasPrefix(rel, "..")
}
