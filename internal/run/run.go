// Package run defines the Run value: the identity and derived naming
// carried through one push-triggered orchestration from webhook
// acceptance until pod launch.
package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DatabaseType selects the pod template and whether a dataset PVC or a
// secrets-broker sidecar is wired into the run's pod.
type DatabaseType string

const (
	DatabaseTypeMySQL DatabaseType = "mysql"
	DatabaseTypeFile  DatabaseType = "file"
)

// dateLayout is the wall-clock timestamp format frozen onto a Run at
// construction: YYYY-MM-DD-HH-MM-SS in the server's local zone.
const dateLayout = "2006-01-02-15-04-05"

// Metadata is the parsed secd.yml from the checkout. Fields not present
// in the file take the documented defaults.
type Metadata struct {
	RunFor       float64
	GPU          bool
	DatabaseName string
	DatabaseType DatabaseType
	CacheDir     string
	MountPath    string
}

// Run is the central value constructed at webhook acceptance and
// carried through every pipeline step until pod creation. Fields are
// filled in progressively as the pipeline learns more about the push.
type Run struct {
	// RunID is a 32-char lowercase hex UUIDv4 with dashes removed,
	// globally unique per run. Frozen at construction.
	RunID string

	// Date is the wall-clock timestamp this run was constructed,
	// formatted YYYY-MM-DD-HH-MM-SS in the server's local zone.
	Date time.Time

	// Namespace is the cluster namespace that exclusively owns every
	// per-run object: secd-<run_id>.
	Namespace string

	// RepoPath is the host-side checkout directory: <repoRoot>/<run_id>.
	RepoPath string

	// OutputPath is the host-side output directory, created before pod
	// launch: <repo_path>/outputs/<date>-<run_id>.
	OutputPath string

	// PVNameOutput is the cluster PV that NFS-mounts OutputPath.
	PVNameOutput string

	// PVCNameOutput is the per-namespace PVC bound to PVNameOutput.
	PVCNameOutput string

	// KeycloakUserID is the external identity resolved from the
	// pushing user's provider identity, filled during validation.
	KeycloakUserID string

	// Metadata is the parsed secd.yml, filled after clone.
	Metadata Metadata

	// DatabaseName and DatabaseType mirror Metadata, filled after clone.
	DatabaseName string
	DatabaseType DatabaseType

	// RunFor is hours until forced teardown, filled after clone.
	RunFor float64

	// ImageName is <registry>/<project>/<run_id>, filled after build.
	ImageName string

	// PVCName is the shared read-only PVC exposing the dataset for
	// file-type databases; empty for every other database type.
	PVCName string

	// VaultRoleName names the dynamic-credentials role at the secrets
	// broker: role-<database_name>.
	VaultRoleName string

	// EnvVars is the environment the execution container will see.
	EnvVars map[string]string
}

// New constructs a fresh Run: it generates run_id, freezes the
// construction timestamp, and derives every name that does not depend
// on metadata read later from the checkout.
func New(now time.Time, repoRoot string) *Run {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	r := &Run{
		RunID:     id,
		Date:      now,
		Namespace: Namespace(id),
		RepoPath:  fmt.Sprintf("%s/%s", strings.TrimRight(repoRoot, "/"), id),
		EnvVars:   make(map[string]string),
	}
	r.PVNameOutput = OutputPVName(id)
	r.PVCNameOutput = OutputPVCName(id)
	return r
}

// Namespace returns the cluster namespace name for a run id.
func Namespace(runID string) string { return "secd-" + runID }

// OutputPVName returns the cluster-scoped output PV name for a run id.
func OutputPVName(runID string) string { return fmt.Sprintf("secd-pv-%s-output", runID) }

// OutputPVCName returns the per-namespace output PVC name for a run id.
func OutputPVCName(runID string) string { return fmt.Sprintf("secd-pvc-%s-output", runID) }

// VaultRoleName returns the secrets-broker role name for a database name.
func VaultRoleName(databaseName string) string { return "role-" + databaseName }

// VaultPolicyName returns the secrets-broker policy name for a database name.
func VaultPolicyName(databaseName string) string { return "policy-" + databaseName }

// VaultAuthRoleName returns the cluster-auth role name, unique per run
// namespace so that two runs against the same database never collide.
func VaultAuthRoleName(databaseName, namespace string) string {
	return fmt.Sprintf("role-%s-%s", databaseName, namespace)
}

// ServiceAccountName returns the per-run service account bound to the
// secrets broker for a mysql-type run.
func ServiceAccountName(databaseName string) string { return "sa-" + databaseName }

// CachePVName returns the cluster-scoped cache PV name for a run id.
func CachePVName(runID string) string { return fmt.Sprintf("secd-pv-%s-cache", runID) }

// CachePVCName returns the per-namespace cache PVC name for a run id.
func CachePVCName(runID string) string { return fmt.Sprintf("secd-pvc-%s-cache", runID) }

// ServiceFQDN returns the in-cluster DNS name of the database pod's
// service, used both as DB_HOST and as the secrets-broker connection
// target.
func ServiceFQDN(databaseName, storageNamespace string) string {
	return fmt.Sprintf("service-%s.%s.svc.cluster.local", databaseName, storageNamespace)
}

// DateString renders the construction timestamp in the wire format used
// by OutputPath and by the reaper's branch name.
func (r *Run) DateString() string { return r.Date.Format(dateLayout) }

// ApplyMetadata fills in the fields that depend on the parsed secd.yml,
// deriving OutputPath and the vault/PVC names that are keyed by
// database name.
func (r *Run) ApplyMetadata(md Metadata) {
	r.Metadata = md
	r.DatabaseName = md.DatabaseName
	r.DatabaseType = md.DatabaseType
	r.RunFor = md.RunFor
	r.OutputPath = fmt.Sprintf("%s/outputs/%s-%s", r.RepoPath, r.DateString(), r.RunID)
	if md.DatabaseName != "" {
		r.VaultRoleName = VaultRoleName(md.DatabaseName)
	}
}

// RunUntil returns the wall-clock deadline (server local zone) after
// which the reaper must terminate this run, per RunFor hours.
func (r *Run) RunUntil() time.Time {
	return r.Date.Add(time.Duration(r.RunFor * float64(time.Hour)))
}

// ImageTag returns the tag-qualified image name for a registry/project.
func ImageTag(registry, project, runID string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(registry, "/"), project, runID)
}

// BranchName returns the result branch name the reaper publishes to:
// secd-<YYYY-MM-DD_HH.MM.SS>-<run_id>.
func BranchName(runID string, at time.Time) string {
	return fmt.Sprintf("secd-%s-%s", at.Format("2006-01-02_15.04.05"), runID)
}

// IsResultBranch reports whether ref names a bot-originated result
// branch (refs/heads/secd-*), which the repo client must silently skip.
func IsResultBranch(ref string) bool {
	return strings.HasPrefix(ref, "refs/heads/secd-")
}
