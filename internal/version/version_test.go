package version

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		commit      string
		vcs         map[string]string
		wantVersion string
		wantCommit  string
	}{
		{
			name:        "ldflags win",
			version:     "v1.2.3",
			commit:      "abc1234",
			vcs:         map[string]string{"vcs.revision": "ffffffffffff"},
			wantVersion: "v1.2.3",
			wantCommit:  "abc1234",
		},
		{
			name:        "from vcs",
			vcs:         map[string]string{"vcs.revision": "0123456789abcdef", "vcs.time": "2026-04-02T10:00:00Z"},
			wantVersion: "dev-20260402",
			wantCommit:  "0123456",
		},
		{
			name:        "dirty tree",
			vcs:         map[string]string{"vcs.revision": "0123456789abcdef", "vcs.modified": "true"},
			wantVersion: "dev",
			wantCommit:  "0123456-dirty",
		},
		{
			name:        "nothing known",
			wantVersion: "dev",
			wantCommit:  "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolve(tt.version, tt.commit, tt.vcs)
			if got.Version != tt.wantVersion {
				t.Errorf("Version = %q, want %q", got.Version, tt.wantVersion)
			}
			if got.Commit != tt.wantCommit {
				t.Errorf("Commit = %q, want %q", got.Commit, tt.wantCommit)
			}
			if got.GoVersion == "" || !strings.Contains(got.Platform, "/") {
				t.Errorf("runtime fields not filled: %+v", got)
			}
		})
	}
}

func TestFull(t *testing.T) {
	if !strings.Contains(Full(), "(commit: ") {
		t.Errorf("Full() = %q", Full())
	}
}
