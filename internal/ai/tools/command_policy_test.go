package tools

import "testing"

func TestClassifyCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		command string
		want    CommandRisk
	}{
		{`rg "TODO" . --hidden --glob '!.git'`, CommandRiskReadonly},
		{"git status && git diff", CommandRiskReadonly},
		{`bash -lc 'pwd && rg --files | head -n 20'`, CommandRiskReadonly},
		{"ls -la 2>/dev/null", CommandRiskReadonly},
		{"sed -n '1,20p' main.go", CommandRiskReadonly},
		{"sed -i 's/a/b/' main.go", CommandRiskMutating},
		{"printf 'hello' > note.txt", CommandRiskMutating},
		{"go test ./...", CommandRiskMutating},
		{`bash -c 'npm install'`, CommandRiskMutating},
		{"FOO=1 git log --oneline", CommandRiskReadonly},
		{"", CommandRiskMutating},
		{"rm -rf /", CommandRiskDangerous},
		{`sh -c "rm -rf /"`, CommandRiskDangerous},
		{"rm -rf ~", CommandRiskDangerous},
		{"sudo reboot", CommandRiskDangerous},
		{"git push --force origin main", CommandRiskDangerous},
		{"rm -rf /tmp/workspace-cache", CommandRiskMutating},
	}
	for _, tc := range cases {
		if got := ClassifyCommand(tc.command); got != tc.want {
			t.Fatalf("ClassifyCommand(%q)=%q, want %q", tc.command, got, tc.want)
		}
	}
}

func TestSplitShellSegments_RespectsQuotes(t *testing.T) {
	t.Parallel()

	got := splitShellSegments(`echo "a;b" | grep a && ls`)
	if len(got) != 3 {
		t.Fatalf("segments=%q, want 3", got)
	}
	if got[0] != `echo "a;b"` {
		t.Fatalf("segments[0]=%q", got[0])
	}
}
