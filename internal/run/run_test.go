package run

import (
	"testing"
	"time"
)

func TestNewDerivesNames(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)
	r := New(now, "/data/repos")

	if len(r.RunID) != 32 {
		t.Fatalf("RunID length = %d, want 32", len(r.RunID))
	}
	for _, c := range r.RunID {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			t.Fatalf("RunID %q is not lowercase hex", r.RunID)
		}
	}
	if want := "secd-" + r.RunID; r.Namespace != want {
		t.Errorf("Namespace = %s, want %s", r.Namespace, want)
	}
	if want := "/data/repos/" + r.RunID; r.RepoPath != want {
		t.Errorf("RepoPath = %s, want %s", r.RepoPath, want)
	}
	if want := "secd-pv-" + r.RunID + "-output"; r.PVNameOutput != want {
		t.Errorf("PVNameOutput = %s, want %s", r.PVNameOutput, want)
	}
	if want := "secd-pvc-" + r.RunID + "-output"; r.PVCNameOutput != want {
		t.Errorf("PVCNameOutput = %s, want %s", r.PVCNameOutput, want)
	}
}

func TestNewRunIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		r := New(now, "/repos")
		if seen[r.RunID] {
			t.Fatalf("duplicate run id %s", r.RunID)
		}
		seen[r.RunID] = true
	}
}

func TestApplyMetadataDerivesOutputPath(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)
	r := New(now, "/repos")
	r.ApplyMetadata(Metadata{RunFor: 2, DatabaseName: "mysql-1", DatabaseType: DatabaseTypeMySQL})

	want := r.RepoPath + "/outputs/" + r.DateString() + "-" + r.RunID
	if r.OutputPath != want {
		t.Errorf("OutputPath = %s, want %s", r.OutputPath, want)
	}
	if r.VaultRoleName != "role-mysql-1" {
		t.Errorf("VaultRoleName = %s, want role-mysql-1", r.VaultRoleName)
	}
}

func TestRunUntil(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	r := New(now, "/repos")
	r.ApplyMetadata(Metadata{RunFor: 2})

	want := now.Add(2 * time.Hour)
	if !r.RunUntil().Equal(want) {
		t.Errorf("RunUntil() = %v, want %v", r.RunUntil(), want)
	}
}

func TestIsResultBranch(t *testing.T) {
	cases := []struct {
		ref  string
		want bool
	}{
		{"refs/heads/main", false},
		{"refs/heads/secd-2024-01-01_00.00.00-abc123", true},
		{"refs/heads/secdish", false},
		{"refs/heads/secd-", true},
	}
	for _, tc := range cases {
		if got := IsResultBranch(tc.ref); got != tc.want {
			t.Errorf("IsResultBranch(%q) = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestVaultNaming(t *testing.T) {
	if got := VaultRoleName("mysql-1"); got != "role-mysql-1" {
		t.Errorf("VaultRoleName = %s", got)
	}
	if got := VaultPolicyName("mysql-1"); got != "policy-mysql-1" {
		t.Errorf("VaultPolicyName = %s", got)
	}
	if got := VaultAuthRoleName("mysql-1", "secd-abc"); got != "role-mysql-1-secd-abc" {
		t.Errorf("VaultAuthRoleName = %s", got)
	}
	if got := ServiceAccountName("mysql-1"); got != "sa-mysql-1" {
		t.Errorf("ServiceAccountName = %s", got)
	}
}
