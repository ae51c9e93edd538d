package gitops

import (
	"testing"
	"time"
)

func TestParseStatus_CleanTree(t *testing.T) {
	out := "# branch.oid abc123\n# branch.head main\n# branch.upstream origin/main\n# branch.ab +0 -0\n"

	status := parseStatus(out)

	if status.Branch != "main" {
		t.Errorf("expected branch main, got %q", status.Branch)
	}
	if status.Ahead != 0 || status.Behind != 0 {
		t.Errorf("expected 0/0 ahead/behind, got %d/%d", status.Ahead, status.Behind)
	}
	if !status.Clean || len(status.Files) != 0 {
		t.Errorf("expected clean tree, got %+v", status.Files)
	}
}

func TestParseStatus_ChangedAndUntracked(t *testing.T) {
	out := "# branch.head feature/x\n" +
		"# branch.ab +2 -1\n" +
		"1 .M N... 100644 100644 100644 abc def main.go\n" +
		"1 M. N... 100644 100644 100644 abc def staged.go\n" +
		"? newfile.txt\n"

	status := parseStatus(out)

	if status.Branch != "feature/x" {
		t.Errorf("expected branch feature/x, got %q", status.Branch)
	}
	if status.Ahead != 2 || status.Behind != 1 {
		t.Errorf("expected ahead 2 behind 1, got %d/%d", status.Ahead, status.Behind)
	}
	if len(status.Files) != 3 {
		t.Fatalf("expected 3 files, got %+v", status.Files)
	}
	if status.Files[0].Path != "main.go" || status.Files[0].Staged {
		t.Errorf("main.go should be unstaged: %+v", status.Files[0])
	}
	if status.Files[1].Path != "staged.go" || !status.Files[1].Staged {
		t.Errorf("staged.go should be staged: %+v", status.Files[1])
	}
	if status.Files[2].Status != "??" {
		t.Errorf("untracked file status should be ??: %+v", status.Files[2])
	}
	if status.Clean {
		t.Error("tree with changes reported clean")
	}
}

func TestParseStatus_Rename(t *testing.T) {
	out := "# branch.head main\n" +
		"2 R. N... 100644 100644 100644 abc def R100 new.go\told.go\n"

	status := parseStatus(out)

	if len(status.Files) != 1 {
		t.Fatalf("expected 1 file, got %+v", status.Files)
	}
	if status.Files[0].Path != "new.go" {
		t.Errorf("rename should report the new path, got %q", status.Files[0].Path)
	}
	if !status.Files[0].Staged {
		t.Error("rename is an index change and should be staged")
	}
}

func TestParseLog(t *testing.T) {
	out := "abc123\x1fAda\x1fada@example.com\x1f2024-03-01T10:00:00+00:00\x1fInitial commit\n" +
		"def456\x1fBo\x1fbo@example.com\x1f2024-03-02T11:30:00+01:00\x1ffix: handle empty repo\n"

	commits := parseLog(out)

	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Hash != "abc123" || commits[0].AuthorName != "Ada" || commits[0].Subject != "Initial commit" {
		t.Errorf("unexpected first commit: %+v", commits[0])
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !commits[0].Date.Equal(want) {
		t.Errorf("expected date %v, got %v", want, commits[0].Date)
	}
}

func TestNormalizeCommitPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"main.go", "main.go"},
		{"M main.go", "main.go"},
		{"?? newfile.txt", "newfile.txt"},
		{".M unstaged.go", "unstaged.go"},
		{"MM both.go", "both.go"},
		{"  A  added.go", "added.go"},
		{"src/deep/path.go", "src/deep/path.go"},
	}

	for _, tc := range cases {
		if got := normalizeCommitPath(tc.in); got != tc.want {
			t.Errorf("normalizeCommitPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
