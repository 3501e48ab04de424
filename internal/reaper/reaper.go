// Package reaper runs the single-threaded sweep that tears down
// expired or finished run namespaces: publish results, release
// storage, then delete the namespace. It is the only component that
// deletes run-owned cluster objects.
package reaper

import (
	"context"
	"log/slog"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"secd/internal/run"
)

// ClusterClient is the subset of the cluster wrapper the reaper needs.
type ClusterClient interface {
	ListRunNamespaces(ctx context.Context) ([]corev1.Namespace, error)
	ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error)
	ListPersistentVolumeClaims(ctx context.Context, namespace string) ([]corev1.PersistentVolumeClaim, error)
	GetPersistentVolumeClaim(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error)
	DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error
	GetPersistentVolume(ctx context.Context, name string) (*corev1.PersistentVolume, error)
	PatchPersistentVolumeAvailable(ctx context.Context, name string) error
	DeletePersistentVolume(ctx context.Context, name string) error
	ListServiceAccounts(ctx context.Context, namespace string) ([]corev1.ServiceAccount, error)
	DeleteServiceAccount(ctx context.Context, namespace, name string) error
	DeleteNamespace(ctx context.Context, name string) error
}

// Publisher is the repo-publish capability, invoked before cluster
// teardown so output files are still reachable on the host NFS mount.
type Publisher interface {
	Publish(ctx context.Context, log *slog.Logger, checkoutPath, runID string, at time.Time) error
}

// SecretsBroker removes the dynamic-credentials objects a mysql run
// configured. Removal is best-effort; names are deterministic per run,
// so leftovers are tolerated. May be nil when no broker is wired.
type SecretsBroker interface {
	Teardown(ctx context.Context, databaseName, namespace string)
}

// Reaper owns the periodic sweep.
type Reaper struct {
	cluster  ClusterClient
	repo     Publisher
	secrets  SecretsBroker
	repoRoot string

	sweepInterval    time.Duration
	pvcDeleteTimeout time.Duration
	pvcPollInterval  time.Duration

	log *slog.Logger
}

// New constructs a Reaper. repoRoot locates the surviving checkout
// directory a namespace's run_id maps to, for the publish step. A
// zero sweepInterval/pvcDeleteTimeout/pvcPollInterval falls back to
// the documented defaults (5s sweep, 60s PVC timeout, 5s PVC poll).
func New(cluster ClusterClient, repo Publisher, secrets SecretsBroker, repoRoot string, sweepInterval, pvcDeleteTimeout, pvcPollInterval time.Duration, log *slog.Logger) *Reaper {
	if sweepInterval == 0 {
		sweepInterval = 5 * time.Second
	}
	if pvcDeleteTimeout == 0 {
		pvcDeleteTimeout = 60 * time.Second
	}
	if pvcPollInterval == 0 {
		pvcPollInterval = 5 * time.Second
	}
	return &Reaper{
		cluster:          cluster,
		repo:             repo,
		secrets:          secrets,
		repoRoot:         repoRoot,
		sweepInterval:    sweepInterval,
		pvcDeleteTimeout: pvcDeleteTimeout,
		pvcPollInterval:  pvcPollInterval,
		log:              log,
	}
}

// Run blocks, sweeping every sweepInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		}
	}
}

// sweep performs one pass over every run namespace, continuing past
// any single namespace's failure.
func (r *Reaper) sweep(ctx context.Context) {
	namespaces, err := r.cluster.ListRunNamespaces(ctx)
	if err != nil {
		r.log.Error("listing run namespaces", "error", err)
		return
	}
	for _, ns := range namespaces {
		shouldClean, err := r.shouldClean(ctx, ns)
		if err != nil {
			r.log.Error("deciding cleanup", "namespace", ns.Name, "error", err)
			continue
		}
		if !shouldClean {
			continue
		}
		if err := r.clean(ctx, ns.Name); err != nil {
			r.log.Error("cleaning namespace", "namespace", ns.Name, "error", err)
			continue
		}
	}
}

// ReapUser publishes and tears down every run namespace launched by
// externalUserID, regardless of deadline or pod state. This is the
// bulk-cleanup path behind the namespace's userid annotation.
func (r *Reaper) ReapUser(ctx context.Context, externalUserID string) error {
	namespaces, err := r.cluster.ListRunNamespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if ns.Annotations["userid"] != externalUserID {
			continue
		}
		if err := r.clean(ctx, ns.Name); err != nil {
			r.log.Error("cleaning namespace", "namespace", ns.Name, "user", externalUserID, "error", err)
		}
	}
	return nil
}

// shouldClean decides expired OR pod-terminated for one namespace.
func (r *Reaper) shouldClean(ctx context.Context, ns corev1.Namespace) (bool, error) {
	if expired(ns) {
		return true, nil
	}
	return r.mainContainerTerminated(ctx, ns.Name)
}

func expired(ns corev1.Namespace) bool {
	raw, ok := ns.Annotations["rununtil"]
	if !ok {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Now().After(deadline)
}

// mainContainerTerminated reports whether the namespace's main
// container (named with the secd- run prefix, as opposed to the
// secrets-broker sidecar injected alongside it) has terminated,
// successfully or not.
func (r *Reaper) mainContainerTerminated(ctx context.Context, namespace string) (bool, error) {
	pods, err := r.cluster.ListPods(ctx, namespace)
	if err != nil {
		return false, err
	}
	if len(pods) == 0 {
		return false, nil
	}
	pod := pods[0]
	for _, cs := range pod.Status.ContainerStatuses {
		if !strings.HasPrefix(cs.Name, "secd-") {
			continue
		}
		if cs.State.Terminated != nil {
			return true, nil
		}
	}
	return false, nil
}

// clean runs the four-step teardown for one namespace, in order.
func (r *Reaper) clean(ctx context.Context, namespace string) error {
	runID := strings.TrimPrefix(namespace, "secd-")
	r.publish(ctx, runID)
	r.teardownBrokerObjects(ctx, namespace)

	if err := r.teardownPVCs(ctx, namespace); err != nil {
		return err
	}
	if err := r.teardownServiceAccounts(ctx, namespace); err != nil {
		return err
	}

	if err := r.cluster.DeleteNamespace(ctx, namespace); err != nil {
		return err
	}
	if err := r.cluster.DeletePersistentVolume(ctx, run.OutputPVName(runID)); err != nil {
		r.log.Warn("deleting output PV", "run_id", runID, "error", err)
	}
	r.log.Info("reaped run", "run_id", runID, "namespace", namespace)
	return nil
}

// publish calls repo-publish before any cluster resource is removed;
// a publish failure is logged, never fatal to the sweep.
func (r *Reaper) publish(ctx context.Context, runID string) {
	checkoutPath := r.repoRoot + "/" + runID
	if err := r.repo.Publish(ctx, r.log, checkoutPath, runID, time.Now()); err != nil {
		r.log.Warn("publishing run results", "run_id", runID, "error", err)
	}
}

// teardownBrokerObjects removes the secrets-broker objects a mysql run
// configured, identified by the pod's database label and dedicated
// service account. File-type runs have neither and are skipped.
func (r *Reaper) teardownBrokerObjects(ctx context.Context, namespace string) {
	if r.secrets == nil {
		return
	}
	pods, err := r.cluster.ListPods(ctx, namespace)
	if err != nil || len(pods) == 0 {
		return
	}
	pod := pods[0]
	databaseName := pod.Labels["name"]
	sa := pod.Spec.ServiceAccountName
	if databaseName == "" || sa == "" || sa == "default" {
		return
	}
	r.secrets.Teardown(ctx, databaseName, namespace)
}

// teardownPVCs deletes every PVC in the namespace, waits for each to
// disappear, then releases any PV that is left in the Released phase
// so dataset PVs become reusable.
func (r *Reaper) teardownPVCs(ctx context.Context, namespace string) error {
	pvcs, err := r.cluster.ListPersistentVolumeClaims(ctx, namespace)
	if err != nil {
		return err
	}
	for _, pvc := range pvcs {
		volumeName := pvc.Spec.VolumeName
		if err := r.cluster.DeletePersistentVolumeClaim(ctx, namespace, pvc.Name); err != nil {
			r.log.Warn("deleting pvc", "pvc", pvc.Name, "namespace", namespace, "error", err)
			continue
		}
		r.waitForPVCGone(ctx, namespace, pvc.Name)
		if volumeName != "" {
			r.releaseIfNeeded(ctx, volumeName)
		}
	}
	return nil
}

func (r *Reaper) waitForPVCGone(ctx context.Context, namespace, name string) {
	deadline := time.Now().Add(r.pvcDeleteTimeout)
	for time.Now().Before(deadline) {
		if _, err := r.cluster.GetPersistentVolumeClaim(ctx, namespace, name); err != nil {
			return
		}
		select {
		case <-time.After(r.pvcPollInterval):
		case <-ctx.Done():
			return
		}
	}
	r.log.Warn("pvc did not disappear within timeout", "pvc", name, "namespace", namespace)
}

func (r *Reaper) releaseIfNeeded(ctx context.Context, pvName string) {
	pv, err := r.cluster.GetPersistentVolume(ctx, pvName)
	if err != nil {
		return
	}
	if pv.Status.Phase != corev1.VolumeReleased {
		return
	}
	if err := r.cluster.PatchPersistentVolumeAvailable(ctx, pvName); err != nil {
		r.log.Warn("patching pv to available", "pv", pvName, "error", err)
	}
}

func (r *Reaper) teardownServiceAccounts(ctx context.Context, namespace string) error {
	sas, err := r.cluster.ListServiceAccounts(ctx, namespace)
	if err != nil {
		return err
	}
	for _, sa := range sas {
		if sa.Name == "default" {
			continue
		}
		if err := r.cluster.DeleteServiceAccount(ctx, namespace, sa.Name); err != nil {
			r.log.Warn("deleting service account", "serviceaccount", sa.Name, "namespace", namespace, "error", err)
		}
	}
	return nil
}
