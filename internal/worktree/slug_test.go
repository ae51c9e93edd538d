package worktree

import "testing"

func TestSlug(t *testing.T) {
	cases := []struct {
		branch string
		want   string
	}{
		{"main", "main"},
		{"Feature/Login", "feature-login"},
		{"fix_bug.2", "fix_bug.2"},
		{"release-1.0", "release-1.0"},
		{"weird branch!", "weird-branch-"},
		{"UPPER", "upper"},
		{"héllo", "h-llo"},
	}

	for _, tc := range cases {
		if got := Slug(tc.branch); got != tc.want {
			t.Errorf("Slug(%q) = %q, want %q", tc.branch, got, tc.want)
		}
	}
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /data/repos/env-1\nbare\n\n" +
		"worktree /workspace\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /workspace/feature-x\nHEAD def456\nbranch refs/heads/feature/x\n"

	trees := parseWorktreeList(out, "/data/repos/env-1")

	if len(trees) != 2 {
		t.Fatalf("expected 2 worktrees (bare entry skipped), got %d: %+v", len(trees), trees)
	}
	if trees[0].Path != "/workspace" || trees[0].Branch != "main" {
		t.Errorf("unexpected first worktree: %+v", trees[0])
	}
	if trees[1].Path != "/workspace/feature-x" || trees[1].Branch != "feature/x" {
		t.Errorf("unexpected second worktree: %+v", trees[1])
	}
}
