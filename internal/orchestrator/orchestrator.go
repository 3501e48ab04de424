// Package orchestrator drives the per-push pipeline: validate, resolve
// identity, clone, build, and launch a time-bounded pod against one of
// the supported database backends. It owns the Run value and drives
// every collaborator in strict sequence; nothing here retains state
// across calls, so concurrent runs never share a lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"

	"secd/internal/cluster"
	"secd/internal/config"
	"secd/internal/repoclient"
	"secd/internal/run"
	"secd/internal/secretsbroker"
)

// RepoClient is the repo-provider capability set the orchestrator
// needs: validation, the GitLab-to-identity-provider user mapping,
// clone, metadata parsing, and result publication.
type RepoClient interface {
	Validate(ctx context.Context, payload repoclient.PushPayload) (repoclient.ValidationResult, error)
	ResolveExternalUserID(ctx context.Context, gitlabUserID int) (string, error)
	Clone(ctx context.Context, httpURL, dest string) error
	ParseMetadata(path string) (run.Metadata, error)
	Publish(ctx context.Context, log *slog.Logger, checkoutPath, runID string, at time.Time) error
}

// IdentityClient is the identity-provider capability set: group and
// role membership tests over an already-resolved external user id.
type IdentityClient interface {
	InGroup(ctx context.Context, externalUserID, groupName string) (bool, error)
	HasRole(ctx context.Context, externalUserID, clientID, roleName string) (bool, error)
}

// ImageBuilder builds and pushes the run's image. *imagebuilder.Builder
// satisfies this directly.
type ImageBuilder interface {
	BuildAndPush(ctx context.Context, log *slog.Logger, repoPath, runID string) (string, error)
}

// SecretsBroker configures the dynamic-credentials objects a
// relational-DB run needs. *secretsbroker.Client satisfies this
// directly.
type SecretsBroker interface {
	ConfigureAll(ctx context.Context, cfg secretsbroker.ConnectionConfig, namespace, serviceAccount string) error
}

// ClusterClient is the subset of the cluster wrapper the orchestrator
// drives. *cluster.Client satisfies this directly; tests wire a
// *cluster.Client backed by a fake clientset instead of a stub.
type ClusterClient interface {
	CreateNamespace(ctx context.Context, name string, labels, annotations map[string]string) error
	CreateNFSPersistentVolume(ctx context.Context, name, nfsServer, hostPath string, labels map[string]string) error
	CreatePersistentVolumeClaim(ctx context.Context, namespace, name, volumeName, capacity string, labels map[string]string) error
	CreateServiceAccount(ctx context.Context, namespace, name string, labels map[string]string) error
	CreatePod(ctx context.Context, spec cluster.PodSpec) error
	PodsByLabel(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)
	GetPersistentVolumeClaim(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error)
	GetPersistentVolume(ctx context.Context, name string) (*corev1.PersistentVolume, error)
}

// ErrNotAuthorized is returned (and only logged, never surfaced to the
// pushing user) when identity resolution, group membership, or role
// membership fails the gate.
var ErrNotAuthorized = errors.New("orchestrator: user not authorized for this run")

// Orchestrator wires one concrete collaborator per capability set and
// drives the eight-step pipeline over them.
type Orchestrator struct {
	cfg      *config.Config
	repo     RepoClient
	identity IdentityClient
	image    ImageBuilder
	secrets  SecretsBroker
	cluster  ClusterClient
	log      *slog.Logger
}

// New constructs an Orchestrator. Every collaborator is required; there
// is no partial configuration.
func New(cfg *config.Config, repo RepoClient, idClient IdentityClient, image ImageBuilder, secrets SecretsBroker, clusterClient ClusterClient, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		identity: idClient,
		image:    image,
		secrets:  secrets,
		cluster:  clusterClient,
		log:      log,
	}
}

// Create runs the full eight-step pipeline for one accepted webhook.
// Every failure is logged and the run abandoned; Create never returns
// an error that the caller is expected to surface to the pushing user
// (the ingress handler has already responded 200 by the time this
// runs in its own goroutine).
func (o *Orchestrator) Create(ctx context.Context, payload repoclient.PushPayload) {
	if err := o.create(ctx, payload); err != nil {
		o.log.Error("run aborted", "error", err)
	}
}

func (o *Orchestrator) create(ctx context.Context, payload repoclient.PushPayload) error {
	// Step 1: repo-validate. A bot-originated result branch is accepted
	// and skipped with no further effect.
	result, err := o.repo.Validate(ctx, payload)
	if err != nil {
		return fmt.Errorf("validating push: %w", err)
	}
	if result.Skip {
		o.log.Info("skipping bot-originated result branch", "ref", payload.Ref)
		return nil
	}

	// Step 2: construct the Run.
	r := run.New(time.Now(), o.cfg.RepoRoot)
	log := o.log.With("run_id", r.RunID)
	log.Info("run accepted", "ref", payload.Ref, "project", payload.Project.PathWithNamespace)

	// Step 3: resolve external identity; reject if not gated in.
	externalUserID, err := o.repo.ResolveExternalUserID(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("resolving external identity for gitlab user %d: %w", payload.UserID, err)
	}
	inGroup, err := o.identity.InGroup(ctx, externalUserID, o.cfg.GateGroup)
	if err != nil {
		return fmt.Errorf("checking group membership for %s: %w", externalUserID, err)
	}
	if !inGroup {
		log.Info("rejecting run: user not in gate group", "user", externalUserID, "group", o.cfg.GateGroup)
		return fmt.Errorf("%w: not in group %s", ErrNotAuthorized, o.cfg.GateGroup)
	}
	r.KeycloakUserID = externalUserID

	// Step 4: clone.
	if err := o.repo.Clone(ctx, payload.Project.HTTPURL, r.RepoPath); err != nil {
		return fmt.Errorf("cloning %s: %w", payload.Project.HTTPURL, err)
	}

	// Step 5: read metadata; reject if the user lacks the database role.
	md, err := o.repo.ParseMetadata(r.RepoPath + "/secd.yml")
	if err != nil {
		return fmt.Errorf("parsing metadata: %w", err)
	}
	r.ApplyMetadata(md)

	if err := os.MkdirAll(r.OutputPath, 0o755); err != nil {
		return fmt.Errorf("creating output path %s: %w", r.OutputPath, err)
	}

	variant, err := variantFor(r.DatabaseType)
	if err != nil {
		return err
	}

	if r.DatabaseName != "" {
		hasRole, err := o.identity.HasRole(ctx, r.KeycloakUserID, o.cfg.DatabaseServiceClient, r.DatabaseName)
		if err != nil {
			return fmt.Errorf("checking role %s for %s: %w", r.DatabaseName, r.KeycloakUserID, err)
		}
		if !hasRole {
			log.Info("rejecting run: user lacks database role", "user", r.KeycloakUserID, "role", r.DatabaseName)
			return fmt.Errorf("%w: missing role %s", ErrNotAuthorized, r.DatabaseName)
		}
	}

	// Step 6: build and push the image.
	image, err := o.image.BuildAndPush(ctx, log, r.RepoPath, r.RunID)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}
	r.ImageName = image

	// Step 7: per-database-type provisioning (namespace, output PV/PVC,
	// dataset discovery, variant-specific wiring, pod).
	podSpec, err := o.provisionNamespaceAndStorage(ctx, log, r, variant)
	if err != nil {
		return err
	}

	// Step 8: optional cache volume, wired into the pod spec before
	// creation since a pod's volumes cannot be added after the fact.
	if r.Metadata.CacheDir != "" {
		if err := o.attachCacheVolume(ctx, r, podSpec); err != nil {
			return fmt.Errorf("attaching cache volume: %w", err)
		}
	}

	if err := o.cluster.CreatePod(ctx, *podSpec); err != nil {
		return fmt.Errorf("creating pod: %w", err)
	}
	log.Info("run launched", "namespace", r.Namespace, "image", r.ImageName, "database_type", r.DatabaseType)
	return nil
}

// provisionNamespaceAndStorage creates the namespace and output
// PV/PVC, discovers the dataset pod's PVC, and delegates to the
// variant for the rest of the pod spec. It returns the pod spec
// without having created the pod yet, so the cache-volume step can
// still add a volume.
func (o *Orchestrator) provisionNamespaceAndStorage(ctx context.Context, log *slog.Logger, r *run.Run, variant databaseVariant) (*cluster.PodSpec, error) {
	annotations := map[string]string{
		"userid":   r.KeycloakUserID,
		"rununtil": r.RunUntil().Format(time.RFC3339),
	}
	if err := o.cluster.CreateNamespace(ctx, r.Namespace, map[string]string{"access": "database-access"}, annotations); err != nil {
		return nil, fmt.Errorf("creating namespace: %w", err)
	}

	outputHostPath := fmt.Sprintf("%s/repos/%s/outputs/%s-%s", o.cfg.PVCRoot, r.RunID, r.DateString(), r.RunID)
	if err := o.cluster.CreateNFSPersistentVolume(ctx, r.PVNameOutput, o.cfg.NFSServer, outputHostPath, nil); err != nil {
		return nil, fmt.Errorf("creating output PV: %w", err)
	}
	if err := o.cluster.CreatePersistentVolumeClaim(ctx, r.Namespace, r.PVCNameOutput, r.PVNameOutput, "50Gi", nil); err != nil {
		return nil, fmt.Errorf("creating output PVC: %w", err)
	}

	datasetPVCName, err := o.discoverDatasetPVC(ctx, r.DatabaseName)
	if err != nil {
		return nil, fmt.Errorf("discovering dataset for %s: %w", r.DatabaseName, err)
	}

	r.EnvVars = map[string]string{
		"OUTPUT_PATH": cluster.MountOutput,
		"SECD":        "PRODUCTION",
		"NFS_PATH":    cluster.MountData,
		"DB_HOST":     run.ServiceFQDN(r.DatabaseName, o.cfg.StorageNamespace),
	}
	spec := &cluster.PodSpec{
		Name:          "secd-" + r.RunID,
		Namespace:     r.Namespace,
		Image:         r.ImageName,
		OutputPVCName: r.PVCNameOutput,
		Labels: map[string]string{
			"name":   r.DatabaseName,
			"run_id": r.RunID,
		},
		GPU:     r.Metadata.GPU,
		EnvVars: r.EnvVars,
	}

	if err := variant.configure(ctx, o, log, r, datasetPVCName, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// discoverDatasetPVC finds the dataset pod labeled name=databaseName in
// the storage namespace, extracts its bound PVC name, and verifies the
// PV behind that PVC still exists.
func (o *Orchestrator) discoverDatasetPVC(ctx context.Context, databaseName string) (string, error) {
	pods, err := o.cluster.PodsByLabel(ctx, o.cfg.StorageNamespace, map[string]string{"name": databaseName})
	if err != nil {
		return "", fmt.Errorf("listing dataset pods: %w", err)
	}
	if len(pods) == 0 {
		return "", fmt.Errorf("no dataset pod found for %s in namespace %s", databaseName, o.cfg.StorageNamespace)
	}

	var pvcName string
	for _, vol := range pods[0].Spec.Volumes {
		if vol.PersistentVolumeClaim != nil {
			pvcName = vol.PersistentVolumeClaim.ClaimName
			break
		}
	}
	if pvcName == "" {
		return "", fmt.Errorf("dataset pod for %s has no PVC volume", databaseName)
	}

	pvc, err := o.cluster.GetPersistentVolumeClaim(ctx, o.cfg.StorageNamespace, pvcName)
	if err != nil {
		return "", fmt.Errorf("getting dataset PVC %s: %w", pvcName, err)
	}
	if pvc.Spec.VolumeName == "" {
		return "", fmt.Errorf("dataset PVC %s is not bound to a PV", pvcName)
	}
	if _, err := o.cluster.GetPersistentVolume(ctx, pvc.Spec.VolumeName); err != nil {
		return "", fmt.Errorf("verifying dataset PV %s: %w", pvc.Spec.VolumeName, err)
	}
	return pvcName, nil
}

// attachCacheVolume ensures the host-side cache directory exists,
// provisions a cache PV/PVC pair, and adds the volume to spec.
func (o *Orchestrator) attachCacheVolume(ctx context.Context, r *run.Run, spec *cluster.PodSpec) error {
	hostPath := fmt.Sprintf("%s/%s/%s", o.cfg.CacheRoot, r.KeycloakUserID, r.Metadata.CacheDir)
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return fmt.Errorf("creating cache directory %s: %w", hostPath, err)
	}

	pvName := run.CachePVName(r.RunID)
	pvcName := run.CachePVCName(r.RunID)
	nfsPath := fmt.Sprintf("%s/cache/%s/%s", o.cfg.PVCRoot, r.KeycloakUserID, r.Metadata.CacheDir)
	if err := o.cluster.CreateNFSPersistentVolume(ctx, pvName, o.cfg.NFSServer, nfsPath, nil); err != nil {
		return fmt.Errorf("creating cache PV: %w", err)
	}
	if err := o.cluster.CreatePersistentVolumeClaim(ctx, r.Namespace, pvcName, pvName, "50Gi", nil); err != nil {
		return fmt.Errorf("creating cache PVC: %w", err)
	}

	mountPath := r.Metadata.MountPath
	if mountPath == "" {
		mountPath = "/cache"
	}
	spec.CachePVCName = pvcName
	spec.CacheMountPath = mountPath
	return nil
}
