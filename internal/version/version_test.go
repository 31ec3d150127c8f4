package version

import "testing"

func TestInfo(t *testing.T) {
	Version, Commit, Date = "v1.0.0", "abc123", "2026-01-01"
	t.Cleanup(func() { Version, Commit, Date = "dev", "none", "unknown" })

	want := "coinwatch v1.0.0 (commit abc123, built 2026-01-01)"
	if got := Info(); got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
}
